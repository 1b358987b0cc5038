package channels

import "testing"

func TestBaseChannelIsAllowed(t *testing.T) {
	c := NewBaseChannel("telegram:1", false, false, []string{"@alice", "42|bob"})

	cases := map[string]bool{
		"alice":     true,
		"42":        true,
		"bob":       true,
		"42|bob":    true,
		"99|carol":  false,
		"carol":     false,
	}
	for sender, want := range cases {
		if got := c.IsAllowed(sender); got != want {
			t.Errorf("IsAllowed(%q) = %v, want %v", sender, got, want)
		}
	}
}

func TestBaseChannelIsAllowedOpenWhenEmpty(t *testing.T) {
	c := NewBaseChannel("discord:1", true, false, nil)
	if !c.IsAllowed("anyone") {
		t.Fatal("expected empty allowlist to allow everyone")
	}
}

func TestBaseChannelCheckPolicy(t *testing.T) {
	c := NewBaseChannel("telegram:1", false, false, []string{"alice"})

	if c.CheckPolicy("direct", DMPolicyDisabled, GroupPolicyOpen, "alice") {
		t.Error("expected disabled DM policy to reject")
	}
	if !c.CheckPolicy("direct", DMPolicyAllowlist, GroupPolicyOpen, "alice") {
		t.Error("expected allowlisted sender to pass allowlist policy")
	}
	if c.CheckPolicy("direct", DMPolicyAllowlist, GroupPolicyOpen, "mallory") {
		t.Error("expected non-allowlisted sender to fail allowlist policy")
	}
	if !c.CheckPolicy("group", DMPolicyDisabled, GroupPolicyOpen, "mallory") {
		t.Error("expected open group policy to accept regardless of DM policy")
	}
}
