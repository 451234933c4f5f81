package service

import (
	"math"
	"math/rand"
	"sort"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

func randomSeed() int64 {
	return rand.Int63n(math.MaxInt32)
}

// assignVariants picks one variant per task type from a generator seeded with seed. Task types
// are walked by order_index then id and variants by id, so the same seed and task bank always
// yield the same assignment.
func assignVariants(seed int64, taskTypes []models.TaskType) (models.VariantAssignments, error) {
	ordered := make([]models.TaskType, len(taskTypes))
	copy(ordered, taskTypes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OrderIndex != ordered[j].OrderIndex {
			return ordered[i].OrderIndex < ordered[j].OrderIndex
		}
		return ordered[i].ID < ordered[j].ID
	})

	generator := rand.New(rand.NewSource(seed))
	assignments := make(models.VariantAssignments, len(ordered))
	for _, taskType := range ordered {
		if len(taskType.Variants) == 0 {
			return nil, ErrNoTaskVariants.WithMessage("task type %d has no variants", taskType.ID)
		}
		variants := make([]models.TaskVariant, len(taskType.Variants))
		copy(variants, taskType.Variants)
		sort.Slice(variants, func(i, j int) bool { return variants[i].ID < variants[j].ID })

		assignments[taskType.ID] = variants[generator.Intn(len(variants))].ID
	}

	return assignments, nil
}
