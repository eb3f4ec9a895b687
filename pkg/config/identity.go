package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	machineIDFile = "/etc/machine-id"
	hostnameFile  = "/etc/hostname"
)

// clientNamespace seeds the name-based client UUID so it stays stable across
// reinstalls of the same machine name
var clientNamespace = uuid.MustParse("d44a99a2-0b5d-415b-808a-790ad4684309")

// hostname is swapped in tests
var hostname = os.Hostname

// Identity describes this machine to the Lighthouse. It is created once at
// startup and never mutated.
type Identity struct {
	MachineID   string `yaml:"machine_id"`
	MachineName string `yaml:"machine_name"`
	ClientUUID  string `yaml:"client_uuid"`
}

// LoadIdentity resolves the machine ID and name. An empty configuredName falls
// back to the host name.
func LoadIdentity(fs afero.Fs, configuredName string) (*Identity, error) {
	machineID, err := readTrimmed(fs, machineIDFile)
	if err != nil {
		if !isNotExist(err) {
			return nil, &ConfigError{Source: machineIDFile, Err: err}
		}
		machineID, err = machineid.ID()
		if err != nil {
			return nil, &ConfigError{Source: machineIDFile, Err: fmt.Errorf("failed to determine machine ID: %w", err)}
		}
	}
	if machineID == "" {
		return nil, &ConfigError{Source: machineIDFile, Err: errors.New("machine ID is empty")}
	}

	name := configuredName
	if name == "" {
		name, err = readTrimmed(fs, hostnameFile)
		if err != nil && !isNotExist(err) {
			return nil, &ConfigError{Source: hostnameFile, Err: err}
		}
		if name == "" {
			name, err = hostname()
			if err != nil {
				return nil, &ConfigError{Source: hostnameFile, Err: fmt.Errorf("failed to determine host name: %w", err)}
			}
		}
	}
	if name == "" {
		return nil, &ConfigError{Source: hostnameFile, Err: errors.New("machine name is empty")}
	}

	return &Identity{
		MachineID:   machineID,
		MachineName: name,
		ClientUUID:  ClientUUID(name),
	}, nil
}

// ClientUUID derives the stable client UUID for a machine name
func ClientUUID(machineName string) string {
	return uuid.NewSHA1(clientNamespace, []byte(machineName)).String()
}
