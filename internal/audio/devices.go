package audio

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"
)

type DeviceType int

const (
	DeviceTypeInput DeviceType = iota
	DeviceTypeOutput
)

func (t DeviceType) String() string {
	if t == DeviceTypeOutput {
		return "output"
	}
	return "input"
}

type Device struct {
	ID        string
	Name      string
	Type      DeviceType
	IsDefault bool
}

func ListDevices() ([]Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, deviceError("backend", "init context", ErrDeviceUnavailable, err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	var devices []Device
	for _, kind := range []struct {
		malgo malgo.DeviceType
		typ   DeviceType
	}{
		{malgo.Capture, DeviceTypeInput},
		{malgo.Playback, DeviceTypeOutput},
	} {
		infos, err := ctx.Devices(kind.malgo)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s devices: %w", kind.typ, err)
		}
		for _, info := range infos {
			d := Device{
				ID:        hex.EncodeToString(info.ID[:]),
				Name:      info.Name(),
				Type:      kind.typ,
				IsDefault: info.IsDefault != 0,
			}
			slog.Debug("found device", "type", d.Type, "name", d.Name, "default", d.IsDefault)
			devices = append(devices, d)
		}
	}

	return devices, nil
}

// FilterDevices returns the devices of the given type.
func FilterDevices(all []Device, typ DeviceType) []Device {
	var result []Device
	for _, d := range all {
		if d.Type == typ {
			result = append(result, d)
		}
	}
	return result
}

func ParseDeviceID(idHex string) (malgo.DeviceID, error) {
	bytes, err := hex.DecodeString(idHex)
	if err != nil {
		return malgo.DeviceID{}, err
	}
	var id malgo.DeviceID
	if len(bytes) > len(id) {
		return malgo.DeviceID{}, fmt.Errorf("device id too long: %d bytes", len(bytes))
	}
	copy(id[:], bytes)
	return id, nil
}

// FindDeviceID resolves a device name of the given type to its ID. An empty
// name resolves to the empty ID, which selects the system default. Matching
// is case-insensitive.
func FindDeviceID(devices []Device, name string, typ DeviceType) (string, error) {
	if name == "" {
		return "", nil
	}
	for _, d := range devices {
		if d.Type == typ && strings.EqualFold(d.Name, name) {
			return d.ID, nil
		}
	}
	return "", deviceError(roleFor(typ), "lookup", ErrDeviceUnavailable, fmt.Errorf("device not found: %s", name))
}

// FindDeviceIDByName lists the devices and resolves name.
func FindDeviceIDByName(name string, typ DeviceType) (string, error) {
	if name == "" {
		return "", nil
	}
	devices, err := ListDevices()
	if err != nil {
		return "", err
	}
	return FindDeviceID(devices, name, typ)
}

func roleFor(typ DeviceType) Role {
	// loopback capture selects a playback device
	if typ == DeviceTypeOutput {
		return RoleSystem
	}
	return RoleMicrophone
}
