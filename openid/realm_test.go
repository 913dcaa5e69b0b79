package openid

import "testing"

func TestValidateRealmAcceptsExactHostMatch(t *testing.T) {
	if err := ValidateRealm("http://localhost/", "http://localhost/here"); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidateRealmRejectsSchemeMismatch(t *testing.T) {
	if err := ValidateRealm("http://example.com/app", "https://example.com/app/cb"); err == nil {
		t.Fatalf("expected scheme mismatch to be rejected")
	}
}

func TestValidateRealmRejectsPortMismatch(t *testing.T) {
	if err := ValidateRealm("http://example.com:8080/app", "http://example.com:9090/app/cb"); err == nil {
		t.Fatalf("expected port mismatch to be rejected")
	}
}

func TestValidateRealmRejectsPathOutsideRealm(t *testing.T) {
	if err := ValidateRealm("http://example.com/app", "http://example.com/other/cb"); err == nil {
		t.Fatalf("expected path outside realm to be rejected")
	}
}

func TestValidateRealmAllowsExactPathMatch(t *testing.T) {
	if err := ValidateRealm("http://example.com/app", "http://example.com/app"); err != nil {
		t.Fatalf("expected exact path match to be valid, got %v", err)
	}
}

func TestValidateRealmRejectsFragment(t *testing.T) {
	if err := ValidateRealm("http://example.com/app#frag", ""); err == nil {
		t.Fatalf("expected realm with fragment to be rejected")
	}
}

// TestValidateRealmWildcard checks that a wildcard realm accepts a
// matching subdomain and rejects both the bare apex domain and an
// unrelated host.
func TestValidateRealmWildcard(t *testing.T) {
	realm := "http://*.example.com/app"

	if err := ValidateRealm(realm, "http://a.example.com/app/cb"); err != nil {
		t.Fatalf("expected subdomain to be accepted, got %v", err)
	}
	if err := ValidateRealm(realm, "http://example.com/app/cb"); err == nil {
		t.Fatalf("expected bare apex domain to be rejected under a wildcard realm")
	}
	if err := ValidateRealm(realm, "http://evil.com/app/cb"); err == nil {
		t.Fatalf("expected unrelated host to be rejected")
	}
}

func TestValidateRealmNonWildcardRejectsSubdomain(t *testing.T) {
	if err := ValidateRealm("http://example.com/app", "http://sub.example.com/app/cb"); err == nil {
		t.Fatalf("expected subdomain to be rejected when realm is not wildcarded")
	}
}

func TestValidateRealmRejectsNonHTTPScheme(t *testing.T) {
	if err := ValidateRealm("ftp://example.com/app", ""); err == nil {
		t.Fatalf("expected non-http(s) realm scheme to be rejected")
	}
}

func TestValidateRealmEmptyReturnToOnlyValidatesRealm(t *testing.T) {
	if err := ValidateRealm("http://example.com/app", ""); err != nil {
		t.Fatalf("expected bare realm validation to pass, got %v", err)
	}
}
