package strategy

import (
	"testing"

	"github.com/forgebay/forge/internal/model"
)

type fakeHosts struct {
	m map[model.Platform]string
}

func (f fakeHosts) PlatformToHost(platform model.Platform) (string, error) {
	if id, ok := f.m[platform]; ok {
		return id, nil
	}
	return "", model.NewError(model.ErrInvalidArgs, "no host for %s", platform)
}

func TestResolveRoutesToContainerRunnerWhenJobPresent(t *testing.T) {
	tool := model.Tool{
		ID:         "widget",
		ActJobMap:  map[model.Platform]string{"linux/amd64": "build-linux"},
	}
	d, err := Resolve(tool, "linux/amd64", fakeHosts{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Driver != DriverContainerRunner || d.Job != "build-linux" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestResolveRoutesToNativeWhenJobIsNull(t *testing.T) {
	tool := model.Tool{
		ID:        "widget",
		ActJobMap: map[model.Platform]string{"darwin/arm64": ""},
	}
	hosts := fakeHosts{m: map[model.Platform]string{"darwin/arm64": "mmini"}}
	d, err := Resolve(tool, "darwin/arm64", hosts)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Driver != DriverNative || d.HostID != "mmini" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestResolveErrorsWhenNeitherStrategyApplies(t *testing.T) {
	tool := model.Tool{ID: "widget"}
	if _, err := Resolve(tool, "windows/amd64", fakeHosts{}); err == nil {
		t.Fatal("expected error when no job and no host resolve the platform")
	}
}
