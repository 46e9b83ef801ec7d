package testsuite

func init() {
	Register("smoketest", newSmokeTest)
}

// smokeTest is a minimal stand-in registered test: it only proves a
// manifest entry can resolve through this registry end to end. A real
// device test implementation is the worker subprocess's concern.
type smokeTest struct {
	configPath string
}

func newSmokeTest(configPath string) (Test, error) {
	return &smokeTest{configPath: configPath}, nil
}

func (t *smokeTest) Name() string { return "smoketest" }
