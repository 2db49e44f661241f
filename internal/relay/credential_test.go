package relay

import "testing"

func TestCredentialRoundTrips(t *testing.T) {
	cred := Credential("s3cret", "id-1", "agent-a", "album/01.mp3")
	if !VerifyCredential("s3cret", "id-1", "agent-a", "album/01.mp3", cred) {
		t.Fatal("expected credential to verify")
	}
}

func TestCredentialRejectsWrongID(t *testing.T) {
	cred := Credential("s3cret", "id-1", "agent-a", "album/01.mp3")
	if VerifyCredential("s3cret", "id-2", "agent-a", "album/01.mp3", cred) {
		t.Fatal("expected credential for a different id to fail verification")
	}
}

func TestCredentialRejectsWrongSecret(t *testing.T) {
	cred := Credential("s3cret", "id-1", "agent-a", "album/01.mp3")
	if VerifyCredential("other", "id-1", "agent-a", "album/01.mp3", cred) {
		t.Fatal("expected credential under a different secret to fail verification")
	}
}
