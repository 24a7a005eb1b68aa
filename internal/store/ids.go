package store

// DirectConversationID derives the canonical id of the 1:1 conversation
// between a and b. Argument order does not matter.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "conv_" + a + "_" + b
}
