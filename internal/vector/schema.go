package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class backing the embedding index.
const ClassName = "KnowledgeChunk"

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// EnsureSchema checks that the KnowledgeChunk class exists and creates it if
// not. On an existing class, missing properties are added in place so schema
// upgrades don't require reindexing.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := []*models.Property{
		{
			Name:     "chunkId",
			DataType: []string{"string"}, // content hash, exact match
		},
		{
			Name:     "documentId",
			DataType: []string{"string"},
		},
		{
			Name:     "sourceUri",
			DataType: []string{"string"},
		},
		{
			Name:     "position",
			DataType: []string{"int"},
		},
		{
			Name:     "content",
			DataType: []string{"text"},
		},
		{
			Name:     "modelVersion",
			DataType: []string{"string"},
		},
	}

	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: "A current, citable knowledge chunk",
			Vectorizer:  "none",
			Properties:  properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
