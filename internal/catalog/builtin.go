package catalog

// Built-in cube descriptors. Lookback and window limits mirror the reporting
// API's documented per-cube enforcement: exceeding the window produces a
// max-days-window error at submission time, and exceeding the lookback
// produces a max-look-back error, so the planner clamps to these before any
// request is issued.

// Shared metric columns present on every stats cube.
var statMetrics = []Field{
	{Name: "Impressions", Type: FieldInteger, Nullable: true},
	{Name: "Clicks", Type: FieldInteger, Nullable: true},
	{Name: "Conversions", Type: FieldInteger, Nullable: true},
	{Name: "Spend", Type: FieldNumber, Nullable: true},
	{Name: "Average Position", Type: FieldNumber, Nullable: true},
}

// Read-only audit columns the API exposes on every object edge.
var objectAudit = []Field{
	{Name: "createdDate", Type: FieldDateTime, Nullable: true},
	{Name: "lastUpdateDate", Type: FieldDateTime, Nullable: true},
}

func statFields(dimensions ...Field) []Field {
	fields := []Field{
		{Name: "Advertiser ID", Type: FieldInteger},
		{Name: "Day", Type: FieldDate},
	}
	fields = append(fields, dimensions...)
	return append(fields, statMetrics...)
}

func objectFields(extra ...Field) []Field {
	fields := []Field{
		{Name: "id", Type: FieldInteger},
		{Name: "advertiserId", Type: FieldInteger, Nullable: true},
		{Name: "status", Type: FieldString, Nullable: true},
	}
	fields = append(fields, extra...)
	return append(fields, objectAudit...)
}

func dailyCube(name string, lookback, window int, dimensions ...Field) StreamDescriptor {
	pk := []string{"Advertiser ID", "Day"}
	for _, d := range dimensions {
		pk = append(pk, d.Name)
	}
	return StreamDescriptor{
		Name:            name,
		Kind:            KindDailyCube,
		Fields:          statFields(dimensions...),
		PrimaryKey:      pk,
		BookmarkField:   "Day",
		MaxLookbackDays: lookback,
		MaxWindowDays:   window,
	}
}

func objectCube(name, edge string, extra ...Field) StreamDescriptor {
	return StreamDescriptor{
		Name:       name,
		Kind:       KindObjectCube,
		Fields:     objectFields(extra...),
		PrimaryKey: []string{"id"},
		Edge:       edge,
	}
}

// Builtin returns the static descriptor table. Callers own the returned
// slice; descriptors themselves are treated as immutable.
func Builtin() []StreamDescriptor {
	return []StreamDescriptor{
		dailyCube("performance_stats", 15, 15,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Ad Group ID", Type: FieldInteger, Nullable: true},
			Field{Name: "Source", Type: FieldString, Nullable: true},
		),
		dailyCube("search_stats", 15, 15,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Keyword ID", Type: FieldInteger, Nullable: true},
			Field{Name: "Search Term", Type: FieldString, Nullable: true},
			Field{Name: "Device Type", Type: FieldString, Nullable: true},
		),
		dailyCube("slot_performance_stats", 15, 15,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Slot", Type: FieldString, Nullable: true},
			Field{Name: "Device Type", Type: FieldString, Nullable: true},
		),
		dailyCube("keyword_stats", 750, 400,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Ad Group ID", Type: FieldInteger, Nullable: true},
			Field{Name: "Keyword ID", Type: FieldInteger},
			Field{Name: "Keyword Value", Type: FieldString, Nullable: true},
		),
		dailyCube("site_performance_stats", 400, 400,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "External Site Name", Type: FieldString, Nullable: true},
			Field{Name: "Device Type", Type: FieldString, Nullable: true},
		),
		dailyCube("adjustment_stats", 400, 400,
			Field{Name: "Pricing Type", Type: FieldString, Nullable: true},
		),
		dailyCube("user_stats", 400, 400,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Audience ID", Type: FieldInteger, Nullable: true},
			Field{Name: "Device Type", Type: FieldString, Nullable: true},
		),
		dailyCube("campaign_bid_performance_stats", 400, 0,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Ad Group ID", Type: FieldInteger, Nullable: true},
			Field{Name: "Bid Modifier", Type: FieldNumber, Nullable: true},
		),
		dailyCube("product_ads", 400, 400,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Ad Group ID", Type: FieldInteger, Nullable: true},
			Field{Name: "Offer ID", Type: FieldString, Nullable: true},
			Field{Name: "Product Name", Type: FieldString, Nullable: true},
		),
		dailyCube("conversion_rules_stats", 400, 400,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Rule ID", Type: FieldInteger, Nullable: true},
			Field{Name: "Conversion Device", Type: FieldString, Nullable: true},
		),
		dailyCube("domain_performance_stats", 400, 400,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Domain", Type: FieldString, Nullable: true},
			Field{Name: "Device Type", Type: FieldString, Nullable: true},
		),
		dailyCube("call_extension_stats", 400, 400,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Caller Area Code", Type: FieldString, Nullable: true},
			Field{Name: "Call Status", Type: FieldString, Nullable: true},
		),
		dailyCube("ad_extension_details", 400, 400,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Ad Extn ID", Type: FieldInteger, Nullable: true},
			Field{Name: "Device Type", Type: FieldString, Nullable: true},
		),
		dailyCube("product_ad_performance_stats", 400, 400,
			Field{Name: "Campaign ID", Type: FieldInteger},
			Field{Name: "Product Type", Type: FieldString, Nullable: true},
			Field{Name: "Device Type", Type: FieldString, Nullable: true},
		),

		objectCube("advertiser", "advertiser",
			Field{Name: "advertiserName", Type: FieldString, Nullable: true},
			Field{Name: "timezone", Type: FieldString, Nullable: true},
			Field{Name: "currency", Type: FieldString, Nullable: true},
			Field{Name: "type", Type: FieldString, Nullable: true},
		),
		objectCube("campaign", "campaign",
			Field{Name: "campaignName", Type: FieldString, Nullable: true},
			Field{Name: "budget", Type: FieldNumber, Nullable: true},
			Field{Name: "budgetType", Type: FieldString, Nullable: true},
			Field{Name: "channel", Type: FieldString, Nullable: true},
		),
		objectCube("adgroup", "adgroup",
			Field{Name: "campaignId", Type: FieldInteger, Nullable: true},
			Field{Name: "adGroupName", Type: FieldString, Nullable: true},
			Field{Name: "startDateStr", Type: FieldString, Nullable: true},
			Field{Name: "endDateStr", Type: FieldString, Nullable: true},
		),
		objectCube("ad", "ad",
			Field{Name: "campaignId", Type: FieldInteger, Nullable: true},
			Field{Name: "adGroupId", Type: FieldInteger, Nullable: true},
			Field{Name: "title", Type: FieldString, Nullable: true},
			Field{Name: "landingUrl", Type: FieldString, Nullable: true},
		),
		objectCube("keyword", "keyword",
			Field{Name: "campaignId", Type: FieldInteger, Nullable: true},
			Field{Name: "adGroupId", Type: FieldInteger, Nullable: true},
			Field{Name: "value", Type: FieldString, Nullable: true},
			Field{Name: "matchType", Type: FieldString, Nullable: true},
			Field{Name: "bid", Type: FieldNumber, Nullable: true},
		),
		objectCube("targetingattribute", "targetingattribute",
			Field{Name: "parentId", Type: FieldInteger, Nullable: true},
			Field{Name: "parentType", Type: FieldString, Nullable: true},
			Field{Name: "type", Type: FieldString, Nullable: true},
			Field{Name: "value", Type: FieldString, Nullable: true},
		),
		objectCube("adextensions", "adextension",
			Field{Name: "campaignId", Type: FieldInteger, Nullable: true},
			Field{Name: "adGroupId", Type: FieldInteger, Nullable: true},
			Field{Name: "type", Type: FieldString, Nullable: true},
			Field{Name: "value", Type: FieldString, Nullable: true},
		),
		objectCube("sharedsitelink", "sharedsitelink",
			Field{Name: "title", Type: FieldString, Nullable: true},
			Field{Name: "sitelinkUrl", Type: FieldString, Nullable: true},
		),
		objectCube("sharedsitelinksetting", "sharedsitelinksetting",
			Field{Name: "campaignId", Type: FieldInteger, Nullable: true},
			Field{Name: "sharedSitelinkIds", Type: FieldString, Nullable: true},
		),
		objectCube("adsitesetting", "adsitesetting",
			Field{Name: "campaignId", Type: FieldInteger, Nullable: true},
			Field{Name: "sitePreference", Type: FieldString, Nullable: true},
		),
	}
}
