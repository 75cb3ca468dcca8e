package node

// Changes is a structured diff over a node. A nil pointer field means
// "untouched"; a non-nil pointer carries the new value, including the empty
// string, which clears a structural pointer. Property entries are merged
// key-by-key; a nil value removes the property.
type Changes struct {
	Content         *string        `json:"content,omitempty"`
	NodeType        *string        `json:"nodeType,omitempty"`
	ParentID        *string        `json:"parentId,omitempty"`
	BeforeSiblingID *string        `json:"beforeSiblingId,omitempty"`
	ContainerNodeID *string        `json:"containerNodeId,omitempty"`
	Properties      map[string]any `json:"properties,omitempty"`
	Mentions        []string       `json:"mentions,omitempty"`
	HasMentions     bool           `json:"-"`
}

// Convenience constructors for the common mutation kinds.

// ContentChange builds a diff that only rewrites the text payload.
func ContentChange(content string) Changes {
	return Changes{Content: &content}
}

// TypeChange builds a diff that retags the node's behavioral plugin.
// Type changes are pattern-triggered conversions and are exempt from
// concurrent-edit conflict detection.
func TypeChange(nodeType string) Changes {
	return Changes{NodeType: &nodeType}
}

// StructuralChange builds a diff that moves the node in the graph.
func StructuralChange(parentID, beforeSiblingID *string) Changes {
	return Changes{ParentID: parentID, BeforeSiblingID: beforeSiblingID}
}

// PropertyChange builds a diff over the open property map.
func PropertyChange(props map[string]any) Changes {
	return Changes{Properties: props}
}

// IsEmpty reports whether the diff touches nothing.
func (c Changes) IsEmpty() bool {
	return c.Content == nil && c.NodeType == nil && c.ParentID == nil &&
		c.BeforeSiblingID == nil && c.ContainerNodeID == nil &&
		len(c.Properties) == 0 && !c.HasMentions
}

// IsTypeChange reports whether the diff retags the node type.
func (c Changes) IsTypeChange() bool {
	return c.NodeType != nil
}

// FieldNames returns the names of the touched fields. Conflict detection
// intersects these sets to find concurrent edits of the same field.
func (c Changes) FieldNames() []string {
	names := make([]string, 0, 6)
	if c.Content != nil {
		names = append(names, "content")
	}
	if c.NodeType != nil {
		names = append(names, "nodeType")
	}
	if c.ParentID != nil {
		names = append(names, "parentId")
	}
	if c.BeforeSiblingID != nil {
		names = append(names, "beforeSiblingId")
	}
	if c.ContainerNodeID != nil {
		names = append(names, "containerNodeId")
	}
	if len(c.Properties) > 0 {
		names = append(names, "properties")
	}
	if c.HasMentions {
		names = append(names, "mentions")
	}
	return names
}

// Merge overlays other on top of c and returns the result: later field
// writes win, property maps are merged key-by-key. Used by the batch
// controller to collapse several adds into one write.
func (c Changes) Merge(other Changes) Changes {
	out := c
	if other.Content != nil {
		out.Content = other.Content
	}
	if other.NodeType != nil {
		out.NodeType = other.NodeType
	}
	if other.ParentID != nil {
		out.ParentID = other.ParentID
	}
	if other.BeforeSiblingID != nil {
		out.BeforeSiblingID = other.BeforeSiblingID
	}
	if other.ContainerNodeID != nil {
		out.ContainerNodeID = other.ContainerNodeID
	}
	if len(other.Properties) > 0 {
		merged := make(map[string]any, len(c.Properties)+len(other.Properties))
		for k, v := range c.Properties {
			merged[k] = v
		}
		for k, v := range other.Properties {
			merged[k] = v
		}
		out.Properties = merged
	}
	if other.HasMentions {
		out.Mentions = append([]string(nil), other.Mentions...)
		out.HasMentions = true
	}
	return out
}

// ApplyTo mutates target in place with the diff. Version and timestamps are
// the store's responsibility, not the diff's.
func (c Changes) ApplyTo(target *Node) {
	if c.Content != nil {
		target.Content = *c.Content
	}
	if c.NodeType != nil {
		target.NodeType = *c.NodeType
	}
	if c.ParentID != nil {
		target.ParentID = *c.ParentID
	}
	if c.BeforeSiblingID != nil {
		target.BeforeSiblingID = *c.BeforeSiblingID
	}
	if c.ContainerNodeID != nil {
		target.ContainerNodeID = *c.ContainerNodeID
	}
	if len(c.Properties) > 0 {
		if target.Properties == nil {
			target.Properties = make(map[string]any, len(c.Properties))
		}
		for k, v := range c.Properties {
			if v == nil {
				delete(target.Properties, k)
				continue
			}
			target.Properties[k] = v
		}
	}
	if c.HasMentions {
		target.Mentions = append([]string(nil), c.Mentions...)
	}
}

// FieldValue returns the value the diff assigns to a named field and whether
// the field is touched at all. Field-level merge resolution compares values
// across two diffs with this.
func (c Changes) FieldValue(name string) (any, bool) {
	switch name {
	case "content":
		if c.Content != nil {
			return *c.Content, true
		}
	case "nodeType":
		if c.NodeType != nil {
			return *c.NodeType, true
		}
	case "parentId":
		if c.ParentID != nil {
			return *c.ParentID, true
		}
	case "beforeSiblingId":
		if c.BeforeSiblingID != nil {
			return *c.BeforeSiblingID, true
		}
	case "containerNodeId":
		if c.ContainerNodeID != nil {
			return *c.ContainerNodeID, true
		}
	case "properties":
		if len(c.Properties) > 0 {
			return c.Properties, true
		}
	case "mentions":
		if c.HasMentions {
			return c.Mentions, true
		}
	}
	return nil, false
}

// SetField assigns a named field on the diff. Field-level merge resolution
// builds its resolved diff with this; unknown names are ignored.
func (c *Changes) SetField(name string, value any) {
	switch name {
	case "content":
		if s, ok := value.(string); ok {
			c.Content = &s
		}
	case "nodeType":
		if s, ok := value.(string); ok {
			c.NodeType = &s
		}
	case "parentId":
		if s, ok := value.(string); ok {
			c.ParentID = &s
		}
	case "beforeSiblingId":
		if s, ok := value.(string); ok {
			c.BeforeSiblingID = &s
		}
	case "containerNodeId":
		if s, ok := value.(string); ok {
			c.ContainerNodeID = &s
		}
	case "properties":
		if m, ok := value.(map[string]any); ok {
			c.Properties = m
		}
	case "mentions":
		if m, ok := value.([]string); ok {
			c.Mentions = m
			c.HasMentions = true
		}
	}
}
