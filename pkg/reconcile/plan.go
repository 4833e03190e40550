package reconcile

import (
	"sort"
	"time"

	"github.com/eunmann/imgsync/pkg/catalog"
)

// Plan is the outcome of diffing the catalog against the store.
type Plan struct {
	// Candidates are the catalog images considered, after daily selection.
	Candidates []catalog.Image
	// Ingested are the images the store already holds.
	Ingested []catalog.Image
	// ToIngest is the work list: candidates not yet ingested, oldest first,
	// capped at the configured maximum.
	ToIngest []catalog.Image
}

// Latest returns the most recently created ingested image.
func (p Plan) Latest() (catalog.Image, bool) {
	var latest catalog.Image
	found := false
	for _, img := range p.Ingested {
		if !found || img.Created.After(latest.Created) {
			latest, found = img, true
		}
	}
	return latest, found
}

// NewPlan computes the work list. With daily set, only the earliest image
// of each calendar day is a candidate. A maxImages of zero or less means no
// cap.
func NewPlan(all, ingested []catalog.Image, daily bool, maxImages int) Plan {
	candidates := all
	if daily {
		candidates = SelectDaily(all)
	}

	tags := make(map[string]struct{}, len(ingested))
	for _, img := range ingested {
		tags[img.Tag] = struct{}{}
	}

	return Plan{
		Candidates: candidates,
		Ingested:   ingested,
		ToIngest:   WorkList(candidates, tags, maxImages),
	}
}

// SelectDaily keeps the earliest image of every calendar date of Created,
// returned in ascending Created order. The day is taken in Created's own
// location.
func SelectDaily(images []catalog.Image) []catalog.Image {
	sorted := sortedByCreated(images)

	out := make([]catalog.Image, 0, len(sorted))
	lastDay := ""
	for _, img := range sorted {
		day := img.Created.Format(time.DateOnly)
		if day == lastDay {
			continue
		}
		out = append(out, img)
		lastDay = day
	}
	return out
}

// WorkList returns the images whose tag is not in ingested, sorted by
// Created ascending and truncated to maxImages when it is positive.
func WorkList(images []catalog.Image, ingested map[string]struct{}, maxImages int) []catalog.Image {
	var out []catalog.Image
	for _, img := range images {
		if _, ok := ingested[img.Tag]; !ok {
			out = append(out, img)
		}
	}
	out = sortedByCreated(out)
	if maxImages > 0 && len(out) > maxImages {
		out = out[:maxImages]
	}
	return out
}

func sortedByCreated(images []catalog.Image) []catalog.Image {
	out := make([]catalog.Image, len(images))
	copy(out, images)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Created.Before(out[j].Created)
	})
	return out
}
