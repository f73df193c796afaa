package operator

// IfElse is a ternary operator over untyped values.
func IfElse(cond bool, condTrue interface{}, condFalse interface{}) interface{} {
	if cond {
		return condTrue
	}
	return condFalse
}
