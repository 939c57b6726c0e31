package models

import (
	"encoding/json"
	"fmt"
)

// AccessLevel gates who may submit updates (input) or receive live data (output).
type AccessLevel string

const (
	AccessEveryone   AccessLevel = "everyone"
	AccessRestricted AccessLevel = "restricted"
	AccessNone       AccessLevel = "none"
)

// Config is the process-wide server configuration.
type Config struct {
	InputAccess  AccessLevel `json:"inputAccess"`
	OutputAccess AccessLevel `json:"outputAccess"`
	BackupURL    *string     `json:"backupUrl"`
	ParentURL    *string     `json:"parentUrl"`
}

// DefaultConfig returns the configuration written on first start.
func DefaultConfig() Config {
	return Config{
		InputAccess:  AccessRestricted,
		OutputAccess: AccessEveryone,
	}
}

// Validate checks enum values and that open input implies open output.
func (c Config) Validate() error {
	switch c.InputAccess {
	case AccessEveryone, AccessRestricted, AccessNone:
	default:
		return NewValidationError(fmt.Sprintf("Invalid inputAccess '%s'.", c.InputAccess))
	}
	switch c.OutputAccess {
	case AccessEveryone, AccessRestricted:
	default:
		return NewValidationError(fmt.Sprintf("Invalid outputAccess '%s'.", c.OutputAccess))
	}
	if c.InputAccess == AccessEveryone && c.OutputAccess != AccessEveryone {
		return NewValidationError("inputAccess 'everyone' requires outputAccess 'everyone'.")
	}
	return nil
}

// HasBackup reports whether a backup webhook is configured.
func (c Config) HasBackup() bool {
	return c.BackupURL != nil && *c.BackupURL != ""
}

// ConfigPatch is a partial config update. Only fields present in the payload are set.
type ConfigPatch struct {
	InputAccess  *AccessLevel
	OutputAccess *AccessLevel
	BackupURL    **string
	ParentURL    **string
}

// ParseConfigPatch decodes a partial config object. Unknown fields are ignored.
func ParseConfigPatch(raw []byte) (ConfigPatch, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return ConfigPatch{}, NewValidationError("Payload is not an object.")
	}

	var patch ConfigPatch
	if v, ok := fields["inputAccess"]; ok {
		var level AccessLevel
		if err := json.Unmarshal(v, &level); err != nil {
			return ConfigPatch{}, NewValidationError("Invalid inputAccess.")
		}
		patch.InputAccess = &level
	}
	if v, ok := fields["outputAccess"]; ok {
		var level AccessLevel
		if err := json.Unmarshal(v, &level); err != nil {
			return ConfigPatch{}, NewValidationError("Invalid outputAccess.")
		}
		patch.OutputAccess = &level
	}
	if v, ok := fields["backupUrl"]; ok {
		var url *string
		if err := json.Unmarshal(v, &url); err != nil {
			return ConfigPatch{}, NewValidationError("Invalid backupUrl.")
		}
		patch.BackupURL = &url
	}
	if v, ok := fields["parentUrl"]; ok {
		var url *string
		if err := json.Unmarshal(v, &url); err != nil {
			return ConfigPatch{}, NewValidationError("Invalid parentUrl.")
		}
		patch.ParentURL = &url
	}
	return patch, nil
}

// Apply returns c with the patch merged in.
func (p ConfigPatch) Apply(c Config) Config {
	if p.InputAccess != nil {
		c.InputAccess = *p.InputAccess
	}
	if p.OutputAccess != nil {
		c.OutputAccess = *p.OutputAccess
	}
	if p.BackupURL != nil {
		c.BackupURL = *p.BackupURL
	}
	if p.ParentURL != nil {
		c.ParentURL = *p.ParentURL
	}
	return c
}
