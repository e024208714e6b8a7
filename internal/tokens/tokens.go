// Package tokens provides the token-estimation heuristic shared by
// Window Memory and the Summariser Tool. APE treats the backend model as
// an external collaborator (spec.md §1) and has no tokenizer of its
// own, so token counts are approximated the way many lightweight model
// front-ends do: roughly four characters per token.
package tokens

// Estimate returns an approximate token count for s.
func Estimate(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}
