package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSampler(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		config   Config
		wantDrop bool
	}{
		{name: "disabled_drops", config: Config{Enabled: false, SampleRatio: 1}, wantDrop: true},
		{name: "zero_ratio_drops", config: Config{Enabled: true, SampleRatio: 0}, wantDrop: true},
		{name: "full_ratio_records", config: Config{Enabled: true, SampleRatio: 1}, wantDrop: false},
		{name: "ratio_above_one_is_clamped", config: Config{Enabled: true, SampleRatio: 7}, wantDrop: false},
	}

	params := sdktrace.SamplingParameters{}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			decision := sampler(tc.config).ShouldSample(params).Decision
			gotDrop := decision == sdktrace.Drop
			if gotDrop != tc.wantDrop {
				t.Fatalf("ShouldSample().Decision drop=%t, want %t", gotDrop, tc.wantDrop)
			}
		})
	}
}

func TestSetup(t *testing.T) {
	runtime, err := Setup(Config{Enabled: true, SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("Setup() unexpected error: %v", err)
	}
	if runtime.TracerProvider == nil {
		t.Fatalf("Setup() returned nil tracer provider")
	}
	if runtime.Shutdown == nil {
		t.Fatalf("Setup() returned nil shutdown hook")
	}
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() unexpected error: %v", err)
	}
}

func TestClampRatio(t *testing.T) {
	for input, want := range map[float64]float64{-1: 0, 0.25: 0.25, 3: 1} {
		if got := clampRatio(input); got != want {
			t.Fatalf("clampRatio(%v) = %v, want %v", input, got, want)
		}
	}
}
