package dbusmsg

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestSignatureOf(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{byte(0), "y"},
		{bool(false), "b"},
		{int16(0), "n"},
		{uint16(0), "q"},
		{int32(0), "i"},
		{uint32(0), "u"},
		{int64(0), "x"},
		{uint64(0), "t"},
		{float64(0), "d"},
		{string(""), "s"},
		{Signature{}, "g"},
		{ObjectPath(""), "o"},
		{UnixFD{}, "h"},
		{Variant{}, "v"},
		{[]string{}, "as"},
		{[]byte{}, "ay"},
		{[4]byte{}, "ay"},
		{[][]string{}, "aas"},
		{map[string]int64{}, "a{sx}"},
		{map[string]Variant{}, "a{sv}"},
		{map[ObjectPath]map[string]map[string]Variant{}, "a{oa{sa{sv}}}"},
		{Simple{}, "(nb)"},
		{[]Simple{}, "a(nb)"},
		{Nested{}, "(y(nb))"},
		{[]Nested{}, "a(y(nb))"},
		{Embedded{}, "(nby)"},
		{EmbeddedShadow{}, "(nby)"},
		{Embedded_P{}, "(nby)"},
		{Skipped{}, "(us)"},
		{Arrays{}, "(asa(nb)aa(y(nb)))"},
		{Pair{}, "(us)"},
		{Celsius{}, "i"},
		{Reading{}, "(si)"},
		{ptr(uint32(0)), "u"},
		{DictEntry[string, Variant]{}, "{sv}"},
		{[]DictEntry[string, Variant]{}, "a{sv}"},
		{[]DictEntry[uint8, []Simple]{}, "a{ya(nb)}"},

		{},
		{int(0), ""},
		{uint(0), ""},
		{int8(0), ""},
		{float32(0), ""},
		{Tree{}, ""},
		{struct{}{}, ""},
		{map[Simple]bool{}, ""},
		{map[[2]int64]bool{}, ""},
		{map[any]bool{}, ""},
		{map[Variant]bool{}, ""},
		{[]any{}, ""},
		{DictEntry[Simple, bool]{}, ""},
		{func() int { return 2 }, ""},
		{make(chan int), ""},
	}

	for _, tc := range tests {
		gotSig, err := SignatureOf(tc.in)
		gotErr := err != nil
		wantErr := tc.want == ""
		if gotErr != wantErr {
			wanted := "no error"
			if wantErr {
				wanted = "error"
			}
			t.Errorf("SignatureOf(%T) got err %v, want %s", tc.in, err, wanted)
		}
		if got := gotSig.String(); got != tc.want {
			t.Errorf("SignatureOf(%T).String() = %q, want %q", tc.in, got, tc.want)
		} else if testing.Verbose() {
			t.Logf("SignatureOf(%T).String() = %q, err=%v", tc.in, got, err)
		}
	}
}

func TestSignatureTypeError(t *testing.T) {
	_, err := SignatureFor[Tree]()
	var te TypeError
	if !errors.As(err, &te) {
		t.Fatalf("SignatureFor[Tree]() err = %v, want TypeError", err)
	}
	if !strings.Contains(te.Error(), "recursive") {
		t.Errorf("SignatureFor[Tree]() err = %q, want mention of recursion", te)
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"", true},
		{"y", true},
		{"ybnqiuxtdsogh", true},
		{"v", true},
		{"as", true},
		{"aas", true},
		{"a{sv}", true},
		{"a{oa{sa{sv}}}", true},
		{"(us)", true},
		{"a(y(nb))", true},
		{"(ai)(b)", true},
		{"sa{sv}as", true},
		{strings.Repeat("a", 32) + "y", true},
		{strings.Repeat("(", 32) + "y" + strings.Repeat(")", 32), true},

		{"z", false},
		{"a", false},
		{"()", false},
		{"(us", false},
		{"us)", false},
		{"{sv}", false},
		{"a{vs}", false},
		{"a{(u)s}", false},
		{"a{s}", false},
		{"a{sss}", false},
		{"a{sv", false},
		{"(a{sv}", false},
		{strings.Repeat("a", 33) + "y", false},
		{strings.Repeat("(", 33) + "y" + strings.Repeat(")", 33), false},
		{strings.Repeat("y", 256), false},
	}

	for _, tc := range tests {
		got, err := ParseSignature(tc.in)
		if gotValid := err == nil; gotValid != tc.valid {
			t.Errorf("ParseSignature(%q) err = %v, want valid=%v", tc.in, err, tc.valid)
			continue
		}
		if err != nil {
			if testing.Verbose() {
				t.Logf("ParseSignature(%q) err = %v", tc.in, err)
			}
			continue
		}
		if got.String() != tc.in {
			t.Errorf("ParseSignature(%q).String() = %q, want %q", tc.in, got, tc.in)
		}
	}
}

func TestSignatureSplit(t *testing.T) {
	tests := []struct {
		in     string
		want   []string
		single bool
	}{
		{"", nil, false},
		{"u", []string{"u"}, true},
		{"a{sv}", []string{"a{sv}"}, true},
		{"(us)", []string{"(us)"}, true},
		{"sa{sv}as", []string{"s", "a{sv}", "as"}, false},
		{"(ai)(b)v", []string{"(ai)", "(b)", "v"}, false},
	}

	for _, tc := range tests {
		sig := MustParseSignature(tc.in)
		var got []string
		for _, s := range sig.Split() {
			got = append(got, s.String())
		}
		if !slices.Equal(got, tc.want) {
			t.Errorf("MustParseSignature(%q).Split() = %q, want %q", tc.in, got, tc.want)
		}
		if gotSingle := sig.IsSingle(); gotSingle != tc.single {
			t.Errorf("MustParseSignature(%q).IsSingle() = %v, want %v", tc.in, gotSingle, tc.single)
		}
	}
}

func TestSignatureElem(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"as", "s"},
		{"a{sv}", "{sv}"},
		{"aa{sv}", "a{sv}"},
		{"a(us)", "(us)"},
		{"u", ""},
		{"(as)", ""},
		{"asas", ""},
		{"", ""},
	}

	for _, tc := range tests {
		if got := MustParseSignature(tc.in).Elem().String(); got != tc.want {
			t.Errorf("MustParseSignature(%q).Elem() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMustParseSignaturePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustParseSignature(\"a\") did not panic")
		}
	}()
	MustParseSignature("a")
}
