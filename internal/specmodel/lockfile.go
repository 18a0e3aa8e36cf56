package specmodel

import "encoding/json"

// MarshalLockfile renders c as the JSON document written to a case's
// "testcase.lock" file, using TestCase's own json tags.
func MarshalLockfile(c *TestCase) ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// UnmarshalLockfile reconstructs a TestCase from a lockfile's bytes. The
// reconstructed case's Spec.Dependencies is left empty; callers that need
// the dependency graph re-resolve it from the workspace DB.
func UnmarshalLockfile(data []byte) (*TestCase, error) {
	c := &TestCase{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
