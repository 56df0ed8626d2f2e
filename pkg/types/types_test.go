package types

import (
	"errors"
	"strings"
	"testing"
)

func validDevice() *Device {
	return &Device{
		Identifier: "nerves-1234",
		OrgID:      "org-1",
		ProductID:  "product-1",
		Tags:       []string{"prod", "beta"},
		Firmware: &FirmwareMetadata{
			UUID:         "A",
			Version:      "1.0.0",
			Platform:     "rpi",
			Architecture: "arm",
			Product:      "thermostat",
		},
		Healthy: true,
	}
}

func TestDeviceValidate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(d *Device)
		wantFields []string
	}{
		{"valid", func(d *Device) {}, nil},
		{"no metadata is valid", func(d *Device) { d.Firmware = nil }, nil},
		{"missing identifier", func(d *Device) { d.Identifier = "" }, []string{"identifier"}},
		{"blank tag", func(d *Device) { d.Tags = []string{"ok", " "} }, []string{"tags[1]"}},
		{"tag with space or comma is valid", func(d *Device) { d.Tags = []string{"a b", "c,d"} }, nil},
		{"tag at max length", func(d *Device) { d.Tags = []string{strings.Repeat("x", MaxTagLength)} }, nil},
		{"tag too long", func(d *Device) { d.Tags = []string{strings.Repeat("x", MaxTagLength+1)} }, []string{"tags[0]"}},
		{"bad firmware version", func(d *Device) { d.Firmware.Version = "1.0" }, []string{"firmware_metadata.version"}},
		{"multiple failures", func(d *Device) {
			d.OrgID = ""
			d.ProductID = ""
		}, []string{"org_id", "product_id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDevice()
			tt.mutate(d)
			err := d.Validate()

			if len(tt.wantFields) == 0 {
				if err != nil {
					t.Fatalf("expected valid device, got %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T (%v)", err, err)
			}
			if len(verr.Fields) != len(tt.wantFields) {
				t.Fatalf("expected %d field errors, got %v", len(tt.wantFields), verr.Fields)
			}
			for i, f := range tt.wantFields {
				if verr.Fields[i].Field != f {
					t.Errorf("field %d: got %s, want %s", i, verr.Fields[i].Field, f)
				}
			}
		})
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDeviceClone(t *testing.T) {
	d := validDevice()
	c := d.Clone()
	c.Tags[0] = "changed"
	c.Firmware.UUID = "changed"

	if d.Tags[0] != "prod" {
		t.Error("clone shares tag slice with original")
	}
	if d.Firmware.UUID != "A" {
		t.Error("clone shares firmware metadata with original")
	}
}

func TestFirmwareMetadata(t *testing.T) {
	fw := &Firmware{UUID: "B", Version: "2.0.0", Platform: "rpi", Architecture: "arm", ProductName: "thermostat"}
	meta := fw.Metadata()
	if meta.UUID != "B" || meta.Product != "thermostat" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}
