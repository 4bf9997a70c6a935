package orders

import (
	"strings"
	"testing"
)

func TestGenerateFormat(t *testing.T) {
	id, err := Generate(OriginCloseAll, "BTCUSDT")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d in %q", len(parts), id)
	}
	if parts[0] != string(OriginCloseAll) {
		t.Errorf("origin = %q, want %q", parts[0], OriginCloseAll)
	}
	if parts[1] != "BTCUSDT" {
		t.Errorf("symbol = %q, want BTCUSDT", parts[1])
	}
	if len(parts[2]) != 8 {
		t.Errorf("unique suffix = %q, want 8 characters", parts[2])
	}
}

func TestGenerateWithin36Characters(t *testing.T) {
	symbols := []string{"BTCUSDT", "1000SHIBUSDT", "VERYLONGFAKESYMBOLNAMEUSDTUSDTUSDT"}
	origins := []Origin{OriginLoop, OriginStopLoss, OriginCloseAll, OriginManual}

	for _, origin := range origins {
		for _, symbol := range symbols {
			id, err := Generate(origin, symbol)
			if err != nil {
				t.Fatalf("Generate(%s, %s) failed: %v", origin, symbol, err)
			}
			if len(id) > MaxClientOrderIDLength {
				t.Errorf("Generate(%s, %s) = %q, length %d exceeds %d",
					origin, symbol, id, len(id), MaxClientOrderIDLength)
			}
		}
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := Generate(OriginLoop, "ETHUSDT")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %q", id)
		}
		seen[id] = true
	}
}

func TestGenerateInvalidInputs(t *testing.T) {
	if _, err := Generate(Origin("BOGUS"), "BTCUSDT"); err == nil {
		t.Error("expected error for unknown origin")
	}
	if _, err := Generate(OriginLoop, ""); err == nil {
		t.Error("expected error for empty symbol")
	}
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name       string
		id         string
		wantOrigin Origin
		wantSymbol string
		wantError  bool
	}{
		{"Close-all ID", "FLAT-BTCUSDT-a3f7c2e9", OriginCloseAll, "BTCUSDT", false},
		{"Loop ID", "LOOP-ETHUSDT-00000001", OriginLoop, "ETHUSDT", false},
		{"Unknown origin", "XXX-BTCUSDT-a3f7c2e9", "", "", true},
		{"Too few parts", "FLAT-BTCUSDT", "", "", true},
		{"Empty string", "", "", "", true},
		{"Exchange-assigned", "x-J6MCRYME", "", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			origin, symbol, err := Parse(tc.id)
			gotError := err != nil
			if gotError != tc.wantError {
				t.Fatalf("Parse(%q): gotError=%v, wantError=%v (err=%v)", tc.id, gotError, tc.wantError, err)
			}
			if !tc.wantError {
				if origin != tc.wantOrigin || symbol != tc.wantSymbol {
					t.Errorf("Parse(%q) = (%q, %q), want (%q, %q)", tc.id, origin, symbol, tc.wantOrigin, tc.wantSymbol)
				}
			}
		})
	}
}

func TestIsCloseAllID(t *testing.T) {
	id, err := Generate(OriginCloseAll, "BTCUSDT")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !IsCloseAllID(id) {
		t.Errorf("IsCloseAllID(%q) = false, want true", id)
	}

	loopID, _ := Generate(OriginLoop, "BTCUSDT")
	if IsCloseAllID(loopID) {
		t.Errorf("IsCloseAllID(%q) = true, want false", loopID)
	}
}
