package dbusmsg

import "testing"

func TestTypeMaps(t *testing.T) {
	for kind, code := range kindToStr {
		if !basicCodes.Has(code) {
			t.Errorf("kindToStr[%v] = %q, not a basic type code", kind, code)
		}
		if !mapKeyKinds.Has(kind) {
			t.Errorf("kindToStr[%v] exists, but kind is not a valid map key", kind)
		}
	}

	for code := range basicCodes {
		typ, ok := basicTypes[code]
		if !ok {
			t.Errorf("basic type code %q has no basicTypes entry", code)
			continue
		}
		sig, err := signatureFor(typ, nil)
		if err != nil {
			t.Errorf("signatureFor(%s) failed: %v", typ, err)
		} else if got := sig.String(); got != string(code) {
			t.Errorf("signatureFor(%s) = %q, want %q", typ, got, string(code))
		}
		if _, ok := alignments[code]; !ok {
			t.Errorf("basic type code %q has no alignment", code)
		}
	}
}
