package plan

// FreePlanName is the plan entities fall back to when they have no active
// subscription.
const FreePlanName = "free"

// Default returns the built-in feature and plan configuration. Product IDs
// for paid plans come from the provider dashboard and are supplied through
// the environment; the free plan has no product.
func Default(starterProductID, premiumProductID string) Config {
	return Config{
		Features: []FeatureDef{
			{
				Key:          "email-verification",
				Name:         "Email Verification",
				Description:  "Email verification system",
				DefaultLimit: Limit{Kind: LimitUnlimited},
			},
			{
				Key:          "multi-factor",
				Name:         "Multi-Factor Auth",
				Description:  "Two-factor authentication",
				DefaultLimit: Limit{Kind: LimitUnlimited},
				Dependencies: []string{"email-verification"},
			},
			{
				Key:          "passkeys",
				Name:         "Passkeys",
				Description:  "Passwordless authentication with passkeys",
				DefaultLimit: Limit{Kind: LimitUnlimited},
				Dependencies: []string{"email-verification"},
			},
			{
				Key:          "server-storage",
				Name:         "Server Storage",
				Description:  "Storage for your server",
				DefaultLimit: Limit{Kind: LimitStorage, Unit: "GB"},
			},
			{
				Key:          "api-requests",
				Name:         "API Requests",
				Description:  "Number of API requests per month",
				DefaultLimit: Limit{Kind: LimitCount, Unit: "items"},
				Dependencies: []string{"server-storage"},
			},
			{
				Key:          "ai-tokens",
				Name:         "AI Tokens",
				Description:  "AI tokens consumed per month",
				DefaultLimit: Limit{Kind: LimitCount, Unit: "items"},
			},
			{
				Key:          "team-seats",
				Name:         "Team Seats",
				Description:  "Active members in an organization",
				DefaultLimit: Limit{Kind: LimitCount, Unit: "items"},
			},
		},
		Plans: []Plan{
			{
				Name: FreePlanName,
				Grants: []Grant{
					{FeatureKey: "email-verification", Enabled: true},
					{FeatureKey: "server-storage", Enabled: true, Limit: &Limit{Kind: LimitStorage, Value: 5, Unit: "GB"}},
					{FeatureKey: "api-requests", Enabled: true, Limit: &Limit{Kind: LimitCount, Value: 1000, Unit: "items"}},
					{FeatureKey: "ai-tokens", Enabled: true, Limit: &Limit{Kind: LimitCount, Value: 10000, Unit: "items"}},
				},
			},
			{
				Name:      "starter",
				ProductID: starterProductID,
				Grants: []Grant{
					{FeatureKey: "email-verification", Enabled: true},
					{FeatureKey: "multi-factor", Enabled: true},
					{FeatureKey: "server-storage", Enabled: true, Limit: &Limit{Kind: LimitStorage, Value: 10, Unit: "GB"}},
					{FeatureKey: "api-requests", Enabled: true, Limit: &Limit{Kind: LimitCount, Value: 1000, Unit: "items"}},
					{FeatureKey: "ai-tokens", Enabled: true, Limit: &Limit{Kind: LimitCount, Value: 100000, Unit: "items"}},
					{FeatureKey: "team-seats", Enabled: true, Limit: &Limit{Kind: LimitCount, Value: 5, Unit: "items"}},
				},
			},
			{
				Name:      "premium",
				ProductID: premiumProductID,
				Grants: []Grant{
					{FeatureKey: "email-verification", Enabled: true},
					{FeatureKey: "multi-factor", Enabled: true},
					{FeatureKey: "passkeys", Enabled: true},
					{FeatureKey: "server-storage", Enabled: true, Limit: &Limit{Kind: LimitStorage, Value: 100, Unit: "GB"}},
					{FeatureKey: "api-requests", Enabled: true, Limit: &Limit{Kind: LimitCount, Value: 10000, Unit: "items"}},
					{FeatureKey: "ai-tokens", Enabled: true, Limit: &Limit{Kind: LimitUnlimited}},
					{FeatureKey: "team-seats", Enabled: true, Limit: &Limit{Kind: LimitCount, Value: 25, Unit: "items"}},
				},
			},
		},
	}
}
