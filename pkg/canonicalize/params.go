package canonicalize

// ParamsHash computes the SHA-256 hex digest of the JCS canonical form of a
// parameter object. It is the idempotency key for jobs, step inputs and
// provider requests: two semantically identical parameter sets hash
// identically no matter how they were constructed.
func ParamsHash(params any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	return CanonicalHash(params)
}
