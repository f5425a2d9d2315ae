package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"wlmd/internal/config"
	"wlmd/internal/device"
	"wlmd/internal/engine"
	"wlmd/internal/wlm"
)

func TestParseKind(t *testing.T) {
	cases := map[string]device.Kind{
		"":            device.KindCPU,
		"cpu":         device.KindCPU,
		"GPU":         device.KindGPU,
		"accelerator": device.KindAccelerator,
		"neuron":      device.KindAccelerator,
	}
	for in, want := range cases {
		got, err := parseKind(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %v err=%v", in, got, err)
		}
	}
	if _, err := parseKind("tpu"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestExitCodeClassification(t *testing.T) {
	var ec exitCodeError
	if !errors.As(configErr(errors.New("bad")), &ec) || ec.code != 1 {
		t.Fatalf("config errors must exit 1")
	}
	if !errors.As(startupErr(errors.New("bind")), &ec) || ec.code != 2 {
		t.Fatalf("startup errors must exit 2")
	}
}

func TestLoadStartupModels(t *testing.T) {
	store := t.TempDir()
	if err := os.Mkdir(filepath.Join(store, "tiny"), 0o755); err != nil {
		t.Fatal(err)
	}

	engines := engine.NewRegistry()
	engines.Register("echo", &engine.Echo{})
	mgr := wlm.NewWithConfig(wlm.ManagerConfig{
		Devices: device.NewRegistry(device.KindCPU, 0, 0, nil),
		Engines: engines,
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(mgr.Close)

	cfg := config.Config{ModelStore: store, LoadModels: "ALL"}
	if err := loadStartupModels(mgr, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("load startup models: %v", err)
	}
	models := mgr.Models()
	if len(models) != 1 || models[0] != "tiny" {
		t.Fatalf("expected startup model tiny, got %v", models)
	}

	res, err := mgr.Submit(context.Background(), "tiny", "", []byte("ok"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res.Cancel()
}
