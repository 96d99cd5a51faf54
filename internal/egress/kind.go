package egress

// Kind identifies one of the ~25 telemetry item kinds the Egress
// Client accepts (spec §4.2, §6). Each kind has an independent batch,
// payload key, and endpoint path.
type Kind string

const (
	KindTraces            Kind = "traces"
	KindSystemMetrics     Kind = "systemMetrics"
	KindHTTPRequests      Kind = "httpRequests"
	KindErrors            Kind = "errors"
	KindLogs              Kind = "logs"
	KindRUM               Kind = "rum"
	KindMongoPoolMetrics  Kind = "mongoPoolMetrics"
	KindCollectionStats   Kind = "collectionStats"
	KindDDPConnections    Kind = "ddpConnections"
	KindSubscriptions     Kind = "subscriptions"
	KindLiveQueries       Kind = "liveQueries"
	KindDNSMetrics        Kind = "dnsMetrics"
	KindOutboundHTTP      Kind = "outboundHttp"
	KindCPUProfiles       Kind = "cpuProfiles"
	KindDeprecatedAPIs    Kind = "deprecatedApis"
	KindPublications      Kind = "publications"
	KindEnvironment       Kind = "environment"
	KindVulnerabilities   Kind = "vulnerabilities"
	KindJobs              Kind = "jobs"
	KindCustomMetrics     Kind = "customMetrics"
	// KindIndexUsage is the addendum-item kind introduced by §13's
	// resolution of the late-explain() open question: it is not named
	// in spec §6's enumeration because the spec's source mutates
	// objects in place instead.
	KindIndexUsage Kind = "indexUsage"
)

// payloadKeys maps each Kind to the JSON key its batch is nested under
// (spec §6).
var payloadKeys = map[Kind]string{
	KindTraces:           "traces",
	KindSystemMetrics:    "metrics",
	KindHTTPRequests:     "requests",
	KindErrors:           "errors",
	KindLogs:             "logs",
	KindRUM:              "measurements",
	KindMongoPoolMetrics: "metrics",
	KindCollectionStats:  "stats",
	KindDDPConnections:   "connections",
	KindSubscriptions:    "subscriptions",
	KindLiveQueries:      "liveQueries",
	KindDNSMetrics:       "metrics",
	KindOutboundHTTP:     "metrics",
	KindCPUProfiles:      "profiles",
	KindDeprecatedAPIs:   "metrics",
	KindPublications:     "metrics",
	KindEnvironment:      "metrics",
	KindVulnerabilities:  "metrics",
	KindJobs:             "jobs",
	KindCustomMetrics:    "metrics",
	KindIndexUsage:       "addenda",
}

// endpointPaths maps each Kind to its ingestion path, always prefixed
// with /api/v1/ (spec §6).
var endpointPaths = map[Kind]string{
	KindTraces:           "/api/v1/traces",
	KindSystemMetrics:    "/api/v1/metrics/system",
	KindHTTPRequests:     "/api/v1/requests",
	KindErrors:           "/api/v1/errors",
	KindLogs:             "/api/v1/logs",
	KindRUM:              "/api/v1/rum",
	KindMongoPoolMetrics: "/api/v1/metrics/mongopool",
	KindCollectionStats:  "/api/v1/stats/collections",
	KindDDPConnections:   "/api/v1/connections",
	KindSubscriptions:    "/api/v1/subscriptions",
	KindLiveQueries:      "/api/v1/live-queries",
	KindDNSMetrics:       "/api/v1/metrics/dns",
	KindOutboundHTTP:     "/api/v1/metrics/outbound-http",
	KindCPUProfiles:      "/api/v1/profiles/cpu",
	KindDeprecatedAPIs:   "/api/v1/metrics/deprecated-apis",
	KindPublications:     "/api/v1/metrics/publications",
	KindEnvironment:      "/api/v1/metrics/environment",
	KindVulnerabilities:  "/api/v1/metrics/vulnerabilities",
	KindJobs:             "/api/v1/jobs",
	KindCustomMetrics:    "/api/v1/metrics/custom",
	KindIndexUsage:       "/api/v1/traces/index-usage",
}

// PayloadKey returns the JSON envelope key for k.
func PayloadKey(k Kind) string {
	if key, ok := payloadKeys[k]; ok {
		return key
	}
	return string(k)
}

// EndpointPath returns the ingestion path for k.
func EndpointPath(k Kind) string {
	if p, ok := endpointPaths[k]; ok {
		return p
	}
	return "/api/v1/" + string(k)
}

// neverSampled holds the kinds that §4.2 says are "never sampled":
// errors, system metrics, and operational counters.
var neverSampled = map[Kind]bool{
	KindErrors:        true,
	KindSystemMetrics: true,
	KindMongoPoolMetrics: true,
	KindCollectionStats:  true,
	KindDNSMetrics:       true,
	KindOutboundHTTP:     true,
	KindDeprecatedAPIs:   true,
	KindPublications:     true,
	KindEnvironment:      true,
	KindVulnerabilities:  true,
	KindJobs:             true,
	KindCustomMetrics:    true,
}

// sampledKinds holds the kinds that are probabilistically sampled
// before enqueue (spec §4.2: "Trace and real-user-monitoring items").
var sampledKinds = map[Kind]bool{
	KindTraces: true,
	KindRUM:    true,
}
