package mep

import "testing"

func TestBindingFromShortName(t *testing.T) {
	b, ok := BindingFromShortName("push")
	if !ok {
		t.Fatal("expected push to resolve")
	}
	if b != Push {
		t.Errorf("expected %s, got %s", Push, b)
	}

	b, ok = BindingFromShortName("pull")
	if !ok {
		t.Fatal("expected pull to resolve")
	}
	if b != Pull {
		t.Errorf("expected %s, got %s", Pull, b)
	}

	if _, ok := BindingFromShortName("carrier-pigeon"); ok {
		t.Error("expected unknown binding to fail")
	}
}

func TestBindingDirection(t *testing.T) {
	if !Push.IsPush() {
		t.Error("push should be sender-initiated")
	}
	if Push.IsPull() {
		t.Error("push should not be receiver-initiated")
	}
	if !Pull.IsPull() {
		t.Error("pull should be receiver-initiated")
	}
	if Pull.IsPush() {
		t.Error("pull should not be sender-initiated")
	}
	if !PushAndPush.IsPush() {
		t.Error("pushAndPush should be sender-initiated")
	}
}
