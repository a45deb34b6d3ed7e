package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"csbx.dev/broker/model"
)

const sortKeyMeta = "META"

// DynamoConfig names the table and its three secondary indexes.
type DynamoConfig struct {
	TableName   string
	StatusIndex string
	OwnerIndex  string
	IdemIndex   string
	Region      string

	// EndpointURL points the client at a local DynamoDB for development.
	EndpointURL string
}

// Dynamo is the production Store: one table keyed PK=SBX#<id>/SK=META with
// GSIs on status, owner, and idempotency key (allocated_at as sort key on
// each). All lifecycle transitions are conditional UpdateItems.
type Dynamo struct {
	log    *slog.Logger
	client *dynamodb.Client
	cfg    DynamoConfig
}

func NewDynamo(ctx context.Context, log *slog.Logger, cfg DynamoConfig) (*Dynamo, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.EndpointURL != "" {
		// Local DynamoDB accepts any static credentials.
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})

	return &Dynamo{
		log:    log.With("component", "dynamo-store"),
		client: client,
		cfg:    cfg,
	}, nil
}

// item is the table shape: the composite key plus the record attributes.
type item struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	model.Sandbox
}

func pk(sandboxID string) string { return "SBX#" + sandboxID }

func keyOf(sandboxID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk(sandboxID)},
		"SK": &types.AttributeValueMemberS{Value: sortKeyMeta},
	}
}

func marshalRecord(sb *model.Sandbox) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(item{PK: pk(sb.SandboxID), SK: sortKeyMeta, Sandbox: *sb})
}

func unmarshalRecord(av map[string]types.AttributeValue) (*model.Sandbox, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &it.Sandbox, nil
}

func (d *Dynamo) Get(ctx context.Context, sandboxID string) (*model.Sandbox, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.cfg.TableName),
		Key:       keyOf(sandboxID),
	})
	if err != nil {
		return nil, d.wrap("get", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalRecord(out.Item)
}

func (d *Dynamo) Put(ctx context.Context, sb *model.Sandbox) error {
	av, err := marshalRecord(sb)
	if err != nil {
		return err
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.cfg.TableName),
		Item:      av,
	})
	if err != nil {
		return d.wrap("put", err)
	}
	return nil
}

func (d *Dynamo) Delete(ctx context.Context, sandboxID string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.cfg.TableName),
		Key:       keyOf(sandboxID),
	})
	if err != nil {
		return d.wrap("delete", err)
	}
	return nil
}

func (d *Dynamo) SyncUpsert(ctx context.Context, sb *model.Sandbox) error {
	av, err := marshalRecord(sb)
	if err != nil {
		return err
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.cfg.TableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #s = :available"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":available": &types.AttributeValueMemberS{Value: string(model.StatusAvailable)},
		},
	})
	if err != nil {
		return d.wrap("sync-upsert", err)
	}
	return nil
}

func (d *Dynamo) MarkStale(ctx context.Context, sandboxID string, now int64) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.cfg.TableName),
		Key:                 keyOf(sandboxID),
		UpdateExpression:    aws.String("SET #s = :stale, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #s = :available"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":stale":     &types.AttributeValueMemberS{Value: string(model.StatusStale)},
			":available": &types.AttributeValueMemberS{Value: string(model.StatusAvailable)},
			":now":       numAttr(now),
		},
	})
	if err != nil {
		return d.wrap("mark-stale", err)
	}
	return nil
}

func (d *Dynamo) AtomicClaim(ctx context.Context, p ClaimParams) (*model.Sandbox, error) {
	update := "SET #s = :allocated, allocated_to_track = :consumer, allocated_at = :now, idempotency_key = :idem, updated_at = :now"
	values := map[string]types.AttributeValue{
		":allocated": &types.AttributeValueMemberS{Value: string(model.StatusAllocated)},
		":available": &types.AttributeValueMemberS{Value: string(model.StatusAvailable)},
		":consumer":  &types.AttributeValueMemberS{Value: p.Consumer},
		":idem":      &types.AttributeValueMemberS{Value: p.IdempotencyKey},
		":now":       numAttr(p.Now),
	}
	if p.TrackName != "" {
		update += ", track_name = :track"
		values[":track"] = &types.AttributeValueMemberS{Value: p.TrackName}
	}

	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.cfg.TableName),
		Key:                 keyOf(p.SandboxID),
		UpdateExpression:    aws.String(update),
		ConditionExpression: aws.String("attribute_exists(PK) AND #s = :available"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, d.wrap("claim", err)
	}
	return unmarshalRecord(out.Attributes)
}

func (d *Dynamo) AtomicRelease(ctx context.Context, p ReleaseParams) (*model.Sandbox, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.cfg.TableName),
		Key:                 keyOf(p.SandboxID),
		UpdateExpression:    aws.String("SET #s = :pending, deletion_requested_at = :now, updated_at = :now REMOVE idempotency_key"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #s = :allocated AND allocated_to_track = :consumer AND allocated_at > :oldest"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":   &types.AttributeValueMemberS{Value: string(model.StatusPendingDeletion)},
			":allocated": &types.AttributeValueMemberS{Value: string(model.StatusAllocated)},
			":consumer":  &types.AttributeValueMemberS{Value: p.Consumer},
			":now":       numAttr(p.Now),
			":oldest":    numAttr(p.Now - p.MaxHoldSeconds),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		wrapped := d.wrap("release", err)
		if !errors.Is(wrapped, ErrConflict) {
			return nil, wrapped
		}
		return nil, d.diagnoseReleaseConflict(ctx, p)
	}
	return unmarshalRecord(out.Attributes)
}

// diagnoseReleaseConflict re-reads the record to turn a generic condition
// failure into the three distinguishable release outcomes.
func (d *Dynamo) diagnoseReleaseConflict(ctx context.Context, p ReleaseParams) error {
	existing, err := d.Get(ctx, p.SandboxID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if existing.Status != model.StatusAllocated || existing.AllocatedTo != p.Consumer {
		return ErrNotOwner
	}
	return ErrExpired
}

func (d *Dynamo) MarkExpired(ctx context.Context, sandboxID string, cutoff, now int64) (*model.Sandbox, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.cfg.TableName),
		Key:                 keyOf(sandboxID),
		UpdateExpression:    aws.String("SET #s = :pending, deletion_requested_at = :now, updated_at = :now REMOVE idempotency_key"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #s = :allocated AND allocated_at < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":   &types.AttributeValueMemberS{Value: string(model.StatusPendingDeletion)},
			":allocated": &types.AttributeValueMemberS{Value: string(model.StatusAllocated)},
			":cutoff":    numAttr(cutoff),
			":now":       numAttr(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, d.wrap("mark-expired", err)
	}
	return unmarshalRecord(out.Attributes)
}

func (d *Dynamo) RecordDeletionFailure(ctx context.Context, sandboxID string, now int64, maxAttempts int) (*model.Sandbox, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.cfg.TableName),
		Key:                 keyOf(sandboxID),
		UpdateExpression:    aws.String("SET deletion_retry_count = if_not_exists(deletion_retry_count, :zero) + :one, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": numAttr(0),
			":one":  numAttr(1),
			":now":  numAttr(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		wrapped := d.wrap("record-deletion-failure", err)
		if errors.Is(wrapped, ErrConflict) {
			return nil, ErrNotFound
		}
		return nil, wrapped
	}

	sb, err := unmarshalRecord(out.Attributes)
	if err != nil {
		return nil, err
	}
	if sb.DeletionRetryCount < maxAttempts || sb.Status != model.StatusPendingDeletion {
		return sb, nil
	}

	// Retry budget exhausted: park the record for manual intervention.
	flip, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.cfg.TableName),
		Key:                 keyOf(sandboxID),
		UpdateExpression:    aws.String("SET #s = :failed, updated_at = :now"),
		ConditionExpression: aws.String("#s = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  &types.AttributeValueMemberS{Value: string(model.StatusDeletionFailed)},
			":pending": &types.AttributeValueMemberS{Value: string(model.StatusPendingDeletion)},
			":now":     numAttr(now),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		wrapped := d.wrap("record-deletion-failure", err)
		if errors.Is(wrapped, ErrConflict) {
			// Someone else moved it first; the increment still stands.
			return sb, nil
		}
		return nil, wrapped
	}
	return unmarshalRecord(flip.Attributes)
}

func (d *Dynamo) QueryByStatus(ctx context.Context, status model.Status, limit int32, cursor string) ([]*model.Sandbox, string, error) {
	startKey, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.cfg.TableName),
		IndexName:              aws.String(d.cfg.StatusIndex),
		KeyConditionExpression: aws.String("#s = :status"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
		Limit:             aws.Int32(limit),
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, "", d.wrap("query-by-status", err)
	}

	records, err := unmarshalItems(out.Items)
	if err != nil {
		return nil, "", err
	}
	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return records, next, nil
}

func (d *Dynamo) QueryByOwner(ctx context.Context, consumer string) (*model.Sandbox, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.cfg.TableName),
		IndexName:              aws.String(d.cfg.OwnerIndex),
		KeyConditionExpression: aws.String("allocated_to_track = :consumer"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":consumer": &types.AttributeValueMemberS{Value: consumer},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, d.wrap("query-by-owner", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	return unmarshalRecord(out.Items[0])
}

func (d *Dynamo) QueryByIdem(ctx context.Context, key string) (*model.Sandbox, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.cfg.TableName),
		IndexName:              aws.String(d.cfg.IdemIndex),
		KeyConditionExpression: aws.String("idempotency_key = :key"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key": &types.AttributeValueMemberS{Value: key},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, d.wrap("query-by-idem", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	return unmarshalRecord(out.Items[0])
}

func (d *Dynamo) Scan(ctx context.Context, limit int32, cursor string) ([]*model.Sandbox, string, error) {
	startKey, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:         aws.String(d.cfg.TableName),
		Limit:             aws.Int32(limit),
		ExclusiveStartKey: startKey,
	})
	if err != nil {
		return nil, "", d.wrap("scan", err)
	}

	records, err := unmarshalItems(out.Items)
	if err != nil {
		return nil, "", err
	}
	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return records, next, nil
}

func (d *Dynamo) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.cfg.TableName),
	})
	if err != nil {
		return d.wrap("ping", err)
	}
	return nil
}

func unmarshalItems(items []map[string]types.AttributeValue) ([]*model.Sandbox, error) {
	out := make([]*model.Sandbox, 0, len(items))
	for _, av := range items {
		sb, err := unmarshalRecord(av)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, nil
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}
}

// wrap maps DynamoDB failures onto the store's error vocabulary. Condition
// failures become ErrConflict; throttling and server faults become
// ErrUnavailable so callers back off instead of treating them as bugs.
func (d *Dynamo) wrap(op string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrConflict
	}
	if isThrottle(err) {
		return fmt.Errorf("dynamodb %s: %s: %w", op, err, ErrUnavailable)
	}
	return fmt.Errorf("dynamodb %s: %w", op, err)
}

func isThrottle(err error) bool {
	var pte *types.ProvisionedThroughputExceededException
	var rle *types.RequestLimitExceeded
	var ise *types.InternalServerError
	if errors.As(err, &pte) || errors.As(err, &rle) || errors.As(err, &ise) {
		return true
	}

	var ae interface{ ErrorCode() string }
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "LimitExceededException":
			return true
		}
	}
	return false
}
