package gattc

import (
	"fmt"
	"log/slog"
)

// collector accumulates discovery results for one connection. Only the first
// matching service instance contributes handles; every instance is counted.
type collector struct {
	schema  *Schema
	matches int
	handles Handles
}

func newCollector(s *Schema) *collector {
	return &collector{schema: s, handles: NewHandles(s)}
}

func (c *collector) add(ev ServiceFound) {
	c.matches++
	if c.matches > 1 {
		slog.Warn("[GATTC] additional service instance", "conn", ev.ConnIdx, "range", ev.Range, "count", c.matches)
		return
	}
	c.handles.Service = ev.Range
	c.extract(ev)
}

// extract assigns discovered handles to schema entries. A discovered
// characteristic claims the first unclaimed schema characteristic with the
// same UUID; its descriptors are only matched against descriptors the schema
// places under that characteristic.
func (c *collector) extract(ev ServiceFound) {
	for _, dc := range ev.Chars {
		if !ev.Range.Contains(dc.Value) || dc.Value == InvalidHandle {
			slog.Debug("[GATTC] characteristic outside service range", "conn", ev.ConnIdx, "uuid", dc.UUID, "handle", dc.Value)
			continue
		}
		ci := -1
		for i, def := range c.schema.Chars {
			if def.UUID == dc.UUID && c.handles.Chars[i].Value == InvalidHandle {
				ci = i
				break
			}
		}
		if ci < 0 {
			continue
		}
		c.handles.Chars[ci] = CharHandle{Decl: dc.Decl, Value: dc.Value, Props: dc.Props}
		for _, dd := range dc.Descs {
			if !ev.Range.Contains(dd.Handle) || dd.Handle == InvalidHandle {
				continue
			}
			for di, def := range c.schema.Descs {
				if def.Char == ci && def.UUID == dd.UUID && c.handles.Descs[di] == InvalidHandle {
					c.handles.Descs[di] = dd.Handle
					break
				}
			}
		}
	}
}

// verdict classifies a finished discovery sequence.
func (c *collector) verdict(status ATTStatus) (Handles, error) {
	if status != StatusSuccess && status != StatusAttrNotFound {
		return Handles{}, transportErr(status)
	}
	switch {
	case c.matches == 0:
		return Handles{}, fmt.Errorf("gattc: %s: %w", c.schema.Service, ErrServiceNotFound)
	case c.matches > 1:
		return Handles{}, fmt.Errorf("gattc: %s: %d instances: %w", c.schema.Service, c.matches, ErrMultipleServicesFound)
	}
	if err := validateChars(c.schema, c.handles); err != nil {
		return Handles{}, err
	}
	if err := validateDescs(c.schema, c.handles); err != nil {
		return Handles{}, err
	}
	return c.handles, nil
}

func validateChars(s *Schema, h Handles) error {
	for i, def := range s.Chars {
		ch := h.Chars[i]
		if ch.Value == InvalidHandle {
			if def.Required == Mandatory {
				return fmt.Errorf("gattc: %s (%s) not found: %w", def.Name, def.UUID, ErrCharacteristicMissing)
			}
			continue
		}
		if missing := def.Props &^ ch.Props; missing != 0 {
			return fmt.Errorf("gattc: %s lacks %s: %w", def.Name, missing, ErrCharacteristicMissing)
		}
	}
	return nil
}

func validateDescs(s *Schema, h Handles) error {
	for i, def := range s.Descs {
		if def.Required != Mandatory || h.Descs[i] != InvalidHandle {
			continue
		}
		if h.Chars[def.Char].Value == InvalidHandle {
			continue
		}
		return fmt.Errorf("gattc: %s of %s not found: %w", def.Name, s.Chars[def.Char].Name, ErrDescriptorMissing)
	}
	return nil
}
