package milvus

import (
	"context"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// vectorClient is the part of the Milvus client the writer uses.
type vectorClient interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, schema *entity.Schema, shards int32) error
	CreateIndex(ctx context.Context, collection, field string, idx entity.Index) error
	LoadCollection(ctx context.Context, collection string) error
	Insert(ctx context.Context, collection string, columns ...entity.Column) error
	Flush(ctx context.Context, collection string) error
	Query(ctx context.Context, collection, expr string, outputFields []string) ([]entity.Column, error)
	Close() error
}

// sdkClient adapts a gRPC client. Collections are created with strong
// consistency so the version pre-check sees inserts from earlier writes.
type sdkClient struct {
	c client.Client
}

func dial(ctx context.Context, addr string) (vectorClient, error) {
	c, err := client.NewGrpcClient(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &sdkClient{c: c}, nil
}

func (s *sdkClient) HasCollection(ctx context.Context, name string) (bool, error) {
	return s.c.HasCollection(ctx, name)
}

func (s *sdkClient) CreateCollection(ctx context.Context, schema *entity.Schema, shards int32) error {
	return s.c.CreateCollection(ctx, schema, shards, client.WithConsistencyLevel(entity.ClStrong))
}

func (s *sdkClient) CreateIndex(ctx context.Context, collection, field string, idx entity.Index) error {
	return s.c.CreateIndex(ctx, collection, field, idx, false)
}

func (s *sdkClient) LoadCollection(ctx context.Context, collection string) error {
	return s.c.LoadCollection(ctx, collection, false)
}

func (s *sdkClient) Insert(ctx context.Context, collection string, columns ...entity.Column) error {
	_, err := s.c.Insert(ctx, collection, "", columns...)
	return err
}

func (s *sdkClient) Flush(ctx context.Context, collection string) error {
	return s.c.Flush(ctx, collection, false)
}

func (s *sdkClient) Query(ctx context.Context, collection, expr string, outputFields []string) ([]entity.Column, error) {
	return s.c.Query(ctx, collection, []string{}, expr, outputFields)
}

func (s *sdkClient) Close() error {
	return s.c.Close()
}
