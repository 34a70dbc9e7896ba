package wa

import "testing"

func TestPhoneJID(t *testing.T) {
	cases := map[string]string{
		"08031234567":       "2348031234567",
		"+234 803 123 4567": "2348031234567",
		"2348031234567":     "2348031234567",
	}
	for in, want := range cases {
		jid, err := PhoneJID(in, DefaultCountryCode)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if jid.User != want || jid.Server != "s.whatsapp.net" {
			t.Fatalf("%q: unexpected jid %s", in, jid)
		}
	}
	if _, err := PhoneJID("12-3", DefaultCountryCode); err == nil {
		t.Fatalf("expected short number to be rejected")
	}
}
