package dealroom

import (
	"slices"
	"sort"
	"strings"
)

type keyInfoShape struct {
	name  string
	link  string
	order int
}

type externalLinkShape struct {
	name  string
	url   string
	order int
}

// DetectConflicts returns the present draft fields whose value differs from the
// live value. The comparison is against the current live value, not the value at
// the draft's fork point, so a draft that converges on a concurrent change is
// still reported.
func DetectConflicts(local DraftData, server Fields) []FieldName {
	diverging := make([]FieldName, 0, 5)
	if local.ShowcasePhoto != nil && !samePhoto(local.ShowcasePhoto, server.ShowcasePhoto) {
		diverging = append(diverging, FieldShowcasePhoto)
	}
	if local.InvestmentBlurb != nil && *local.InvestmentBlurb != server.InvestmentBlurb {
		diverging = append(diverging, FieldInvestmentBlurb)
	}
	if local.InvestmentSummary != nil && *local.InvestmentSummary != server.InvestmentSummary {
		diverging = append(diverging, FieldInvestmentSummary)
	}
	if local.KeyInfo != nil && !slices.Equal(normalizeKeyInfo(*local.KeyInfo), normalizeKeyInfo(server.KeyInfo)) {
		diverging = append(diverging, FieldKeyInfo)
	}
	if local.ExternalLinks != nil && !slices.Equal(normalizeExternalLinks(*local.ExternalLinks), normalizeExternalLinks(server.ExternalLinks)) {
		diverging = append(diverging, FieldExternalLinks)
	}
	return diverging
}

func samePhoto(left, right *Photo) bool {
	if left == nil || right == nil {
		return left == right
	}
	return *left == *right
}

func normalizeKeyInfo(items []KeyInfoItem) []keyInfoShape {
	shapes := make([]keyInfoShape, 0, len(items))
	for _, item := range items {
		shapes = append(shapes, keyInfoShape{name: item.Name, link: item.Link, order: item.Order})
	}
	return shapes
}

func normalizeExternalLinks(links []ExternalLink) []externalLinkShape {
	shapes := make([]externalLinkShape, 0, len(links))
	for _, link := range links {
		shapes = append(shapes, externalLinkShape{name: link.Name, url: link.URL, order: link.Order})
	}
	return shapes
}

// resolveFields computes the field set a resolution applies. Custom data forces
// the manual strategy regardless of the requested one.
func resolveFields(conflict Conflict, requested Resolution, customData *Fields) (Fields, Resolution, error) {
	if customData != nil {
		return customData.Clone(), ResolutionManual, nil
	}

	switch requested {
	case ResolutionUseLocal:
		return conflict.LocalData.Clone(), ResolutionUseLocal, nil
	case ResolutionUseServer:
		return conflict.ServerData.Clone(), ResolutionUseServer, nil
	case ResolutionMerge:
		return mergeFields(conflict.LocalData, conflict.ServerData), ResolutionMerge, nil
	case ResolutionManual:
		return Fields{}, "", newValidationError(FieldError{Field: "custom_data", Message: "is required for manual resolution"})
	default:
		return Fields{}, "", newValidationError(FieldError{Field: "resolution", Message: "unknown resolution " + string(requested)})
	}
}

// mergeFields is a shallow union: local scalars win when non-empty, arrays are
// unioned by item identity. There is no common ancestor involved.
func mergeFields(local, server Fields) Fields {
	merged := server.Clone()
	if local.ShowcasePhoto != nil {
		photo := *local.ShowcasePhoto
		merged.ShowcasePhoto = &photo
	}
	if strings.TrimSpace(local.InvestmentBlurb) != "" {
		merged.InvestmentBlurb = local.InvestmentBlurb
	}
	if strings.TrimSpace(local.InvestmentSummary) != "" {
		merged.InvestmentSummary = local.InvestmentSummary
	}
	merged.KeyInfo = unionKeyInfo(server.KeyInfo, local.KeyInfo)
	merged.ExternalLinks = unionExternalLinks(server.ExternalLinks, local.ExternalLinks)
	return merged
}

func unionKeyInfo(server, local []KeyInfoItem) []KeyInfoItem {
	seen := make(map[string]struct{}, len(server)+len(local))
	union := make([]KeyInfoItem, 0, len(server)+len(local))
	for _, item := range append(append([]KeyInfoItem{}, server...), local...) {
		key := identityKey(item.Name, item.Link)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		union = append(union, item)
	}
	sort.SliceStable(union, func(i, j int) bool { return union[i].Order < union[j].Order })
	return union
}

func unionExternalLinks(server, local []ExternalLink) []ExternalLink {
	seen := make(map[string]struct{}, len(server)+len(local))
	union := make([]ExternalLink, 0, len(server)+len(local))
	for _, link := range append(append([]ExternalLink{}, server...), local...) {
		key := identityKey(link.Name, link.URL)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		union = append(union, link)
	}
	sort.SliceStable(union, func(i, j int) bool { return union[i].Order < union[j].Order })
	return union
}

func identityKey(name, target string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "\x00" + strings.TrimSpace(target)
}
