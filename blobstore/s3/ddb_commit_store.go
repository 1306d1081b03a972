package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/replaygo/blobstore"
)

// LatestPointerName is the blob name the commit store intercepts: its
// content is the name of the newest completed checkpoint directory.
const LatestPointerName = "LATEST"

// ErrConcurrentModification is returned when a concurrent checkpoint
// writer committed first.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// DDBClient is the subset of the DynamoDB API the commit store depends on.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Compile time check to ensure DDBCommitStore satisfies blobstore.Store.
var _ blobstore.Store = (*DDBCommitStore)(nil)

// DDBCommitStore wraps an S3 store and keeps the latest-checkpoint
// pointer in DynamoDB. S3 offers no compare-and-swap, so concurrent
// checkpoint writers racing on the pointer could otherwise lose commits;
// DynamoDB conditional writes provide the missing atomicity.
//
// Table schema: partition key base_uri (S), sort key version (N).
type DDBCommitStore struct {
	inner     *Store
	ddbClient DDBClient
	tableName string
	baseURI   string
}

// NewDDBCommitStore creates a new S3+DynamoDB commit store. baseURI
// ("s3://bucket/prefix") is the partition key for this checkpoint root.
func NewDDBCommitStore(inner *Store, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		inner:     inner,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Open opens a blob for reading. The latest pointer is served from
// DynamoDB; everything else passes through to S3.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name == LatestPointerName {
		version, checkpoint, err := s.latestVersion(ctx)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, blobstore.ErrNotFound
		}
		return &pointerBlob{content: []byte(checkpoint)}, nil
	}
	return s.inner.Open(ctx, name)
}

// Put writes a blob. The latest pointer is committed through DynamoDB.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name == LatestPointerName {
		return s.commit(ctx, string(data))
	}
	return s.inner.Put(ctx, name, data)
}

// Create creates a writable blob in S3.
func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return s.inner.Create(ctx, name)
}

// Delete deletes a blob from S3.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name)
}

// List lists blobs from S3.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// latestVersion queries DynamoDB for the newest committed checkpoint.
func (s *DDBCommitStore) latestVersion(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query commit log: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	versionAttr, ok := resp.Items[0]["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", fmt.Errorf("commit log entry has no version")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse commit version: %w", err)
	}

	checkpointAttr, ok := resp.Items[0]["checkpoint"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", fmt.Errorf("commit log entry has no checkpoint")
	}
	return version, checkpointAttr.Value, nil
}

// commit appends the next version with a conditional write so a racing
// writer fails instead of silently overwriting.
func (s *DDBCommitStore) commit(ctx context.Context, checkpoint string) error {
	version, _, err := s.latestVersion(ctx)
	if err != nil {
		return err
	}
	next := version + 1

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":   &types.AttributeValueMemberS{Value: s.baseURI},
			"version":    &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"checkpoint": &types.AttributeValueMemberS{Value: checkpoint},
		},
		ConditionExpression: aws.String("attribute_not_exists(base_uri) AND attribute_not_exists(version)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("commit checkpoint pointer: %w", err)
	}
	return nil
}

// pointerBlob serves the latest pointer content from memory.
type pointerBlob struct {
	content []byte
}

func (b *pointerBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b.content)) {
		return 0, io.EOF
	}
	n := copy(p, b.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *pointerBlob) Size() int64 {
	return int64(len(b.content))
}

func (b *pointerBlob) Close() error {
	return nil
}
