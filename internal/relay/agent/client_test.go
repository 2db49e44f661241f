package agent

import "testing"

func TestWebsocketSchemeRewritesHTTPAndHTTPS(t *testing.T) {
	cases := map[string]string{
		"http://controller:5030":  "ws://controller:5030",
		"https://controller:5030": "wss://controller:5030",
	}
	for in, want := range cases {
		if got := websocketScheme(in); got != want {
			t.Fatalf("websocketScheme(%q) = %q, want %q", in, got, want)
		}
	}
}
