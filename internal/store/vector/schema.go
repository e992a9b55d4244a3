package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// SchemaClient defines the interface for Weaviate schema operations.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

func partitionProperties() []*models.Property {
	return []*models.Property{
		{
			Name:     "vectorId",
			DataType: []string{"string"}, // join key, exact match
		},
		{
			Name:     "docId",
			DataType: []string{"string"},
		},
		{
			Name:     "chunkId",
			DataType: []string{"string"},
		},
		{
			Name:     "userId",
			DataType: []string{"string"}, // namespace, filtered on every call
		},
	}
}

// EnsureSchema creates the per-partition classes if missing and patches
// in any properties added since the class was created.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	for _, partition := range Partitions {
		if err := ensureClass(ctx, client, string(partition)); err != nil {
			return err
		}
	}
	return nil
}

func ensureClass(ctx context.Context, client SchemaClient, className string) error {
	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return err
	}

	properties := partitionProperties()

	if !exists {
		class := &models.Class{
			Class:      className,
			Vectorizer: "none",
			Properties: properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, className)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, className, p); err != nil {
				return err
			}
		}
	}

	return nil
}
