package browser

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseCookieHeader_KeepsDocumentOrder(t *testing.T) {
	got := ParseCookieHeader("builder.tests.b=V2; builderSessionId=S1; builder.tests.a=V1")

	want := []Cookie{
		{Name: "builder.tests.b", Value: "V2"},
		{Name: "builderSessionId", Value: "S1"},
		{Name: "builder.tests.a", Value: "V1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cookies mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCookieHeader_ValueWithEquals(t *testing.T) {
	got := ParseCookieHeader("token=abc==; empty=; =nameless; flag")

	want := []Cookie{
		{Name: "token", Value: "abc=="},
		{Name: "empty", Value: ""},
		{Name: "flag", Value: ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cookies mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCookieHeader_Empty(t *testing.T) {
	if got := ParseCookieHeader(""); len(got) != 0 {
		t.Errorf("expected no cookies, got %v", got)
	}
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()

	if _, ok, _ := s.GetItem("k"); ok {
		t.Fatal("expected missing key")
	}
	if err := s.SetItem("k", "v"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	v, ok, err := s.GetItem("k")
	if err != nil || !ok || v != "v" {
		t.Errorf("expected v, got %q ok=%v err=%v", v, ok, err)
	}
	if err := s.RemoveItem("k"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty storage, got %d keys", s.Len())
	}
}

func TestPage_LocationIsCopy(t *testing.T) {
	p, err := NewPage("https://shop.example.com/cart?x=1")
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}

	loc := p.Location()
	loc.Path = "/changed"

	if p.Location().Path != "/cart" {
		t.Errorf("expected page location to be unchanged, got %s", p.Location().Path)
	}
}

func TestPage_SetCookieReplacesInPlace(t *testing.T) {
	p, _ := NewPage("https://example.com/", WithCookieHeader("a=1; b=2"))

	p.SetCookie("a", "3")
	p.SetCookie("c", "4")

	want := []Cookie{{Name: "a", Value: "3"}, {Name: "b", Value: "2"}, {Name: "c", Value: "4"}}
	if diff := cmp.Diff(want, p.Cookies()); diff != "" {
		t.Errorf("cookies mismatch (-want +got):\n%s", diff)
	}
}

func TestPage_Clock(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p, _ := NewPage("https://example.com/", WithClock(func() time.Time { return fixed }))

	if !p.Now().Equal(fixed) {
		t.Errorf("expected %v, got %v", fixed, p.Now())
	}
}
