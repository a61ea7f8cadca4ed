package must

// NilErr panics when err is non-nil. Reserved for conditions that are
// programming errors rather than runtime failures.
func NilErr(err error) {
	if nil != err {
		panic("expected nil error, got: " + err.Error())
	}
}
