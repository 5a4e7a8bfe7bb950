/*
Package models defines the data structures shared by the rotation, supervision and
scheduling packages.

Core Types:

ProxyRecord describes one configured egress proxy:

	type ProxyRecord struct {
		Label     string          // Unique, stable identifier
		Address   string          // host:port of the proxy
		Username  string          // Optional credentials
		Password  string
		Prefix    string          // Shadowsocks salt prefix
		Type      ProxyType       // http, socks5 or ss
		Class     ConnectionClass // resident, datacenter or mobile
		Country   string          // ISO country code declared by the catalog
		LatencyMs int64           // Measured latency, 0 when unknown
	}

RunRecord is the durable outcome of a single attempt. Exactly one is produced per attempt
and it is appended to the audit log without further mutation:

	type RunRecord struct {
		RunID        string    // uuid of the attempt
		RunNumber    int       // Position in the batch sequence
		TaskIdentity string    // Instance name handed to the worker
		ProxyLabel   *string   // nil when the attempt ran without a proxy
		Outcome      Outcome   // success, timeout, timeout_with_captcha, error or killed
		Reason       string    // Free-form reason, e.g. "assumed_success_on_hang"
		StartedAt    time.Time
		FinishedAt   time.Time
	}

Database Integration:

Both ProxyRecord and RunRecord carry bun tags so the database package can store the
catalog in the "proxies" table and mirror run records into "run_records".

Errors:

The package exports the sentinel errors used across the module (ErrNoProxiesAvailable,
ErrRotationExhausted, ErrResolutionFailed, ...). Wrap them with fmt.Errorf and test with
errors.Is.
*/
package models
