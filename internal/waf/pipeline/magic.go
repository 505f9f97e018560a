package pipeline

import "strings"

// Magic URI prefixes (spec §6). Bit-exact path-prefix matches; never
// normalize or percent-decode the path before comparing (spec §9).
const (
	magicURIPassive   = "/c3650cdf"
	magicURIVerify    = "/7060ac19f50208cbb6b45328ef94140a612ee92387e015594234077b4d1e64f1"
	magicURIAppSig    = "/74d8-ffc3-0f63-4b3c-c5c9-5699-6d5b-3a1"
	magicURIBioReport = "/8d47-ffc3-0f63-4b3c-c5c9-5699-6d5b-3a1"
)

func hasPrefix(path, prefix string) bool {
	return strings.HasPrefix(path, prefix)
}
