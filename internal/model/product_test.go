package model

import "testing"

func TestPriceString(t *testing.T) {
	testCases := []struct {
		desc  string
		price Price
		want  string
	}{
		{"scale 4", NewPrice(1234500, 4), "123.4500"},
		{"scale 0", NewPrice(42, 0), "42"},
		{"sub unit", NewPrice(5, 4), "0.0005"},
		{"negative", NewPrice(-15, 1), "-1.5"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := tc.price.String(); got != tc.want {
				t.Fatalf("price mismatch! should be %s but got %s", tc.want, got)
			}
		})
	}
}

func TestTopOfBookString(t *testing.T) {
	tob := TopOfBook{
		Bid: PriceLevel{Price: NewPrice(1000000, 4), Quantity: 300},
	}
	if got, want := tob.String(), "300 @ 100.0000 | N/A"; got != want {
		t.Fatalf("top of book mismatch! should be %q but got %q", want, got)
	}
}

func TestSecurityStatusBookStatus(t *testing.T) {
	testCases := []struct {
		status SecurityStatus
		want   BookStatus
		ok     bool
	}{
		{SecurityStatusOpened, BookStatusOpen, true},
		{SecurityStatusResume, BookStatusOpen, true},
		{SecurityStatusPreOpening, BookStatusPreOpen, true},
		{SecurityStatusHalt, BookStatusHalted, true},
		{SecurityStatusClosed, BookStatusClosed, true},
		{SecurityStatusShortSaleOn, BookStatusUnknown, false},
	}

	for _, tc := range testCases {
		got, ok := tc.status.BookStatus()
		if got != tc.want || ok != tc.ok {
			t.Fatalf("status %q: got (%v,%v) want (%v,%v)", byte(tc.status), got, ok, tc.want, tc.ok)
		}
	}
}

func TestNewProductTrims(t *testing.T) {
	if p := NewProduct("  IBM "); p.Name != "IBM" || p.IsZero() {
		t.Fatalf("unexpected product %+v", p)
	}
	if !NewProduct(" ").IsZero() {
		t.Fatal("blank product should be zero")
	}
}
