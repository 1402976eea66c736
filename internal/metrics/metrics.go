package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// VerificationAttemptCounter counts proof-of-control attempts by outcome.
	VerificationAttemptCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiteadmin_verification_attempts_total",
			Help: "Counter for proof-of-control attempts, labelled by outcome (verified, proof_failed, challenge_rejected, not_registered).",
		},
		[]string{"outcome"},
	)
	// RegistryMutationCounter counts accepted registry mutations.
	RegistryMutationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiteadmin_registry_mutations_total",
			Help: "Counter for registry mutations accepted by the API, labelled by operation.",
		},
		[]string{"operation"},
	)
	// AccessDeniedCounter counts requests rejected by the access gate.
	AccessDeniedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiteadmin_access_denied_total",
			Help: "Counter for requests rejected by the access gate, labelled by operation.",
		},
		[]string{"operation"},
	)
	// AssetUploadCounter counts asset uploads by result.
	AssetUploadCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiteadmin_asset_uploads_total",
			Help: "Counter for asset uploads, labelled by result (stored, integrity_failed, storage_failed).",
		},
		[]string{"result"},
	)
	// AssetDownloadCounter counts served downloads by strategy and result.
	AssetDownloadCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiteadmin_asset_downloads_total",
			Help: "Counter for asset downloads, labelled by retrieval strategy and result.",
		},
		[]string{"strategy", "result"},
	)
	// UpstreamFetchCounter counts outbound release-host fetches by source and result.
	UpstreamFetchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiteadmin_upstream_fetches_total",
			Help: "Counter for outbound asset fetches against the release host, labelled by source (api, public) and result.",
		},
		[]string{"source", "result"},
	)
)

func init() {
	prometheus.MustRegister(VerificationAttemptCounter)
	prometheus.MustRegister(RegistryMutationCounter)
	prometheus.MustRegister(AccessDeniedCounter)
	prometheus.MustRegister(AssetUploadCounter)
	prometheus.MustRegister(AssetDownloadCounter)
	prometheus.MustRegister(UpstreamFetchCounter)
}
