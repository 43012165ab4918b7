package feature

// Domain flag names.
const (
	DomainCustomerSupport = "customer-support"
	DomainSales           = "sales"
	DomainTechnical       = "technical"
	DomainBilling         = "billing"
)

// domainVocabularies are the fixed per-domain keyword lists. Matching is
// case-insensitive over whole tokens; a message may carry several flags.
var domainVocabularies = map[string][]string{
	DomainCustomerSupport: {
		"help", "support", "issue", "problem", "complaint",
		"refund", "cancel", "broken", "unable", "stuck",
	},
	DomainSales: {
		"price", "pricing", "quote", "purchase", "buy",
		"discount", "upgrade", "plan", "trial", "demo",
	},
	DomainTechnical: {
		"api", "integration", "error", "bug", "code",
		"sdk", "webhook", "latency", "timeout", "deploy",
		"authentication", "endpoint",
	},
	DomainBilling: {
		"invoice", "billing", "payment", "charge",
		"subscription", "receipt", "credit", "overage",
	},
}
