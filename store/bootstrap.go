package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// EnsureTable creates the pool table and its three indexes. Local
// development only; production tables are provisioned out-of-band.
func (d *Dynamo) EnsureTable(ctx context.Context) error {
	gsi := func(name, hashAttr string) types.GlobalSecondaryIndex {
		return types.GlobalSecondaryIndex{
			IndexName: aws.String(name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(hashAttr), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("allocated_at"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			ProvisionedThroughput: &types.ProvisionedThroughput{
				ReadCapacityUnits:  aws.Int64(5),
				WriteCapacityUnits: aws.Int64(5),
			},
		}
	}

	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.cfg.TableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("status"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("allocated_at"), AttributeType: types.ScalarAttributeTypeN},
			{AttributeName: aws.String("allocated_to_track"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("idempotency_key"), AttributeType: types.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			gsi(d.cfg.StatusIndex, "status"),
			gsi(d.cfg.OwnerIndex, "allocated_to_track"),
			gsi(d.cfg.IdemIndex, "idempotency_key"),
		},
		BillingMode: types.BillingModeProvisioned,
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(5),
			WriteCapacityUnits: aws.Int64(5),
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			d.log.Info("table already exists", "table", d.cfg.TableName)
			return nil
		}
		return fmt.Errorf("create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(d.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.cfg.TableName),
	}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for table: %w", err)
	}

	d.log.Info("created table", "table", d.cfg.TableName,
		"indexes", []string{d.cfg.StatusIndex, d.cfg.OwnerIndex, d.cfg.IdemIndex})
	return nil
}
