package config

import (
	"fmt"

	"github.com/spf13/viper"

	"std-buffer-go/internal/detector"
)

var requiredProfileKeys = []string{
	"detector_name",
	"detector_type",
	"n_modules",
	"bit_depth",
	"image_pixel_height",
	"image_pixel_width",
	"start_udp_port",
}

type profileFile struct {
	DetectorName     string                    `mapstructure:"detector_name"`
	DetectorType     string                    `mapstructure:"detector_type"`
	NModules         int                       `mapstructure:"n_modules"`
	BitDepth         int                       `mapstructure:"bit_depth"`
	ImagePixelHeight int                       `mapstructure:"image_pixel_height"`
	ImagePixelWidth  int                       `mapstructure:"image_pixel_width"`
	StartUDPPort     int                       `mapstructure:"start_udp_port"`
	BufferNSlots     int                       `mapstructure:"buffer_n_slots"`
	SlotNBytes       int                       `mapstructure:"slot_n_bytes"`
	ModulePositions  []detector.ModulePosition `mapstructure:"module_positions"`
}

// LoadProfile reads a detector JSON file, computes its geometry and
// validates the profile against it. Any error here must stop startup.
func LoadProfile(path string) (detector.Profile, detector.Geometry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return detector.Profile{}, detector.Geometry{}, fmt.Errorf("read detector config %s: %w", path, err)
	}
	for _, key := range requiredProfileKeys {
		if !v.IsSet(key) {
			return detector.Profile{}, detector.Geometry{}, fmt.Errorf("%w: %s is missing %q", detector.ErrInvalidProfile, path, key)
		}
	}

	var raw profileFile
	if err := v.Unmarshal(&raw); err != nil {
		return detector.Profile{}, detector.Geometry{}, fmt.Errorf("decode detector config %s: %w", path, err)
	}
	kind, err := detector.ParseKind(raw.DetectorType)
	if err != nil {
		return detector.Profile{}, detector.Geometry{}, err
	}

	profile := detector.Profile{
		Name:            raw.DetectorName,
		Family:          kind,
		NModules:        raw.NModules,
		BitDepth:        raw.BitDepth,
		ImageHeight:     raw.ImagePixelHeight,
		ImageWidth:      raw.ImagePixelWidth,
		StartUDPPort:    raw.StartUDPPort,
		SlotCount:       raw.BufferNSlots,
		SlotBytes:       raw.SlotNBytes,
		ModulePositions: raw.ModulePositions,
	}
	geometry, err := detector.ComputeGeometry(profile)
	if err != nil {
		return detector.Profile{}, detector.Geometry{}, err
	}
	if err := profile.Validate(geometry); err != nil {
		return detector.Profile{}, detector.Geometry{}, err
	}
	return profile, geometry, nil
}
