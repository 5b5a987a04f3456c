package pipeline

import (
	"fmt"
	"os"

	"custodian/core"

	"gopkg.in/yaml.v3"
)

// FieldTargets maps an indicator type to the indexed-event fields the hunting
// stage searches for it. An indicator type with no entry falls back to a raw
// substring search over the whole record.
type FieldTargets map[core.IOCType][]string

// DefaultFieldTargets covers the common Windows event log field names.
func DefaultFieldTargets() FieldTargets {
	return FieldTargets{
		core.IOCTypeIP: {
			"Event.EventData.IpAddress",
			"Event.EventData.SourceIp",
			"Event.EventData.DestinationIp",
			"Event.EventData.SourceAddress",
			"Event.EventData.DestAddress",
		},
		core.IOCTypeDomain: {
			"Event.EventData.QueryName",
			"Event.EventData.DestinationHostname",
			"Event.EventData.Workstation",
			"Event.EventData.WorkstationName",
		},
		core.IOCTypeHash: {
			"Event.EventData.Hashes",
			"Event.EventData.Hash",
			"Event.EventData.SHA256",
			"Event.EventData.MD5",
		},
		core.IOCTypeFilename: {
			"Event.EventData.Image",
			"Event.EventData.TargetFilename",
			"Event.EventData.ParentImage",
			"Event.EventData.NewProcessName",
		},
		core.IOCTypeUsername: {
			"Event.EventData.TargetUserName",
			"Event.EventData.SubjectUserName",
			"Event.EventData.User",
		},
		core.IOCTypeCommand: {
			"Event.EventData.CommandLine",
			"Event.EventData.ParentCommandLine",
			"Event.EventData.Details",
		},
		// URL indicators have no reliable structured field; raw search only.
	}
}

type fieldTargetsFile struct {
	Targets map[string][]string `yaml:"targets"`
}

// LoadFieldTargets reads the indicator-to-field mapping from a YAML file.
// A missing file yields the built-in defaults; a present but invalid file is
// an error, silently hunting with wrong targets would be worse.
func LoadFieldTargets(path string) (FieldTargets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultFieldTargets(), nil
		}
		return nil, fmt.Errorf("failed to read field targets %s: %w", path, err)
	}

	var parsed fieldTargetsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse field targets %s: %w", path, err)
	}

	targets := make(FieldTargets, len(parsed.Targets))
	for rawType, fields := range parsed.Targets {
		iocType := core.IOCType(rawType)
		if !iocType.IsValid() {
			return nil, fmt.Errorf("field targets %s: unknown indicator type %q", path, rawType)
		}
		targets[iocType] = fields
	}
	return targets, nil
}
