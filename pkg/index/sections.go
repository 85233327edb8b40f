package index

import (
	"fmt"
	"strings"

	"github.com/oriel-ai/trellis/pkg/common"
)

// buildSectionTree normalizes the section hierarchy of one payload: it derives
// deterministic section ids, repairs parent links, computes depth and path
// keys, and guarantees a root section exists so no chunk is ever orphaned.
//
// The returned map translates the payload's original section ids (which the
// extraction service assigns freely) to the deterministic ids used in storage.
func buildSectionTree(doc common.Document, sections []common.Section) ([]common.Section, map[string]string, error) {
	idMap := make(map[string]string, len(sections)+1)

	rootID := NodeID(doc.GroupID, kindSection, doc.ID, common.RootSectionTitle)
	root := common.Section{
		ID:         rootID,
		GroupID:    doc.GroupID,
		DocumentID: doc.ID,
		ParentID:   "",
		PathKey:    "0",
		Title:      common.RootSectionTitle,
		Depth:      0,
	}

	out := make([]common.Section, 0, len(sections)+1)
	out = append(out, root)

	// First pass: assign ids keyed by the section's position in the document.
	byOriginal := make(map[string]common.Section, len(sections))
	for i, sec := range sections {
		key := sec.PathKey
		if key == "" {
			key = fmt.Sprintf("%d", i+1)
		}
		id := NodeID(doc.GroupID, kindSection, doc.ID, key, sec.Title)
		if sec.ID != "" {
			idMap[sec.ID] = id
		}
		sec.ID = id
		sec.GroupID = doc.GroupID
		sec.DocumentID = doc.ID
		sec.PathKey = key
		byOriginal[id] = sec
		sections[i] = sec
	}

	// Second pass: rewrite parent links. A parent id that resolves to nothing
	// is a structural defect in the payload; those sections attach to the root
	// instead of being dropped.
	for _, sec := range sections {
		if sec.ParentID != "" {
			if mapped, ok := idMap[sec.ParentID]; ok {
				sec.ParentID = mapped
			} else if _, ok := byOriginal[sec.ParentID]; !ok {
				sec.ParentID = rootID
			}
		} else {
			sec.ParentID = rootID
		}
		sec.Depth = sectionDepth(sec, byOriginal, idMap, rootID)
		out = append(out, sec)
	}

	return out, idMap, nil
}

func sectionDepth(sec common.Section, byID map[string]common.Section, idMap map[string]string, rootID string) int {
	depth := 1
	cur := sec
	for i := 0; i < 64; i++ {
		parent := cur.ParentID
		if mapped, ok := idMap[parent]; ok {
			parent = mapped
		}
		if parent == "" || parent == rootID {
			return depth
		}
		next, ok := byID[parent]
		if !ok {
			return depth
		}
		depth++
		cur = next
	}
	return depth
}

// sectionPath renders a human-readable breadcrumb for chunk metadata.
func sectionPath(sectionID string, sections []common.Section) string {
	byID := make(map[string]common.Section, len(sections))
	for _, s := range sections {
		byID[s.ID] = s
	}

	var parts []string
	cur, ok := byID[sectionID]
	for ok {
		if cur.Title != "" && cur.Title != common.RootSectionTitle {
			parts = append(parts, cur.Title)
		}
		if cur.ParentID == "" {
			break
		}
		cur, ok = byID[cur.ParentID]
	}

	// Reverse into root-first order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}
