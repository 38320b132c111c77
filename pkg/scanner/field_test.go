package scanner

import "testing"

func TestStringField(t *testing.T) {
	testCases := []struct {
		desc    string
		payload string
		want    string
		ok      bool
	}{
		{desc: "plain", payload: `{"ref":"a1","action":"new"}`, want: "a1", ok: true},
		{desc: "spaces", payload: `{ "ref" : "a 2" }`, want: "a 2", ok: true},
		{desc: "truncated object", payload: `{"action":"new","ref":"r9","qty":`, want: "r9", ok: true},
		{desc: "missing", payload: `{"action":"new"}`},
		{desc: "not a string", payload: `{"ref":12}`},
		{desc: "unterminated", payload: `{"ref":"abc`},
		{desc: "no colon", payload: `{"ref"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, ok := StringField([]byte(tc.payload), []byte(`"ref"`))
			if ok != tc.ok || string(got) != tc.want {
				t.Fatalf("field mismatch: got %q,%v want %q,%v", got, ok, tc.want, tc.ok)
			}
		})
	}
}
