package config

import "testing"

func TestLoadParsesMMCommand(t *testing.T) {
	t.Parallel()

	cfg, err := Load([]string{
		"mm",
		"--instrument=ETH-PERPETUAL",
		"--mid_depth=2000",
		"--order_amount=5000",
		"--max_position_usd=50000",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Command != "mm" {
		t.Fatalf("Command = %q, want mm", cfg.Command)
	}
	if cfg.Instrument != "ETH-PERPETUAL" {
		t.Fatalf("Instrument = %q, want ETH-PERPETUAL", cfg.Instrument)
	}
	if cfg.VenueURI() != TestVenueURI {
		t.Fatalf("VenueURI() = %q, want test venue by default", cfg.VenueURI())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadLiveFlagSelectsLiveVenue(t *testing.T) {
	t.Parallel()

	cfg, err := Load([]string{"mm", "--live", "--order_amount=1", "--max_position_usd=1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VenueURI() != LiveVenueURI {
		t.Fatalf("VenueURI() = %q, want live venue", cfg.VenueURI())
	}
}

func TestValidateRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	cfg := &Config{Command: "bogus"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestValidateWriterRequiresChannelsAndOutput(t *testing.T) {
	t.Parallel()

	cfg, err := Load([]string{"writer"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing --channels/--output")
	}

	cfg, err = Load([]string{"writer", "--channels=book.BTC-PERPETUAL.raw", "--output=out.jsonl"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
