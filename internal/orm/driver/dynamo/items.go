package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/conduit-lang/keel/internal/orm/driver"
	"github.com/conduit-lang/keel/internal/orm/schema"
)

func itemKey(meta *schema.EntitySchema, id interface{}) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encode key of %s: %w", meta.Name, err)
	}
	return map[string]types.AttributeValue{meta.PrimaryKeyColumn(): av}, nil
}

func toItem(row driver.Row) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(map[string]interface{}(row))
}

// fromItem decodes an item into a row. Numbers become int64 when integral
// and float64 otherwise; timestamp fields are parsed back into time.Time.
func fromItem(meta *schema.EntitySchema, item map[string]types.AttributeValue) (driver.Row, error) {
	var m map[string]interface{}
	err := attributevalue.UnmarshalMapWithOptions(item, &m, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s item: %w", meta.Name, err)
	}

	row := make(driver.Row, len(m))
	for k, v := range m {
		row[k] = normalize(v)
	}
	for _, f := range meta.Fields {
		col := meta.Column(f.Name)
		switch v := row[col].(type) {
		case int64:
			if f.Type == schema.TypeFloat {
				row[col] = float64(v)
			}
		case string:
			if f.Type == schema.TypeTimestamp || f.Type == schema.TypeDate {
				t, err := time.Parse(time.RFC3339Nano, v)
				if err != nil {
					return nil, fmt.Errorf("decode %s.%s: %w", meta.Name, f.Name, err)
				}
				row[col] = t
			}
		}
	}
	return row, nil
}

func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case attributevalue.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return f
	case map[string]interface{}:
		for k, inner := range n {
			n[k] = normalize(inner)
		}
		return n
	case []interface{}:
		for i, inner := range n {
			n[i] = normalize(inner)
		}
		return n
	}
	return v
}

// link is one side of a join table row
type link struct {
	key interface{}
	pos int64
}

func linkPK(table, column string, key interface{}) string {
	return table + "#" + column + "#" + driver.KeyString(key)
}

func linkItem(table, column string, key, other interface{}, pos int64) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.Marshal(other)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"pk":  &types.AttributeValueMemberS{Value: linkPK(table, column, key)},
		"sk":  &types.AttributeValueMemberS{Value: driver.KeyString(other)},
		"key": av,
		"pos": &types.AttributeValueMemberN{Value: strconv.FormatInt(pos, 10)},
	}, nil
}

func linkKey(table, column string, key, other interface{}) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: linkPK(table, column, key)},
		"sk": &types.AttributeValueMemberS{Value: driver.KeyString(other)},
	}
}

func decodeLink(item map[string]types.AttributeValue) (link, error) {
	var raw struct {
		Key interface{}           `dynamodbav:"key"`
		Pos attributevalue.Number `dynamodbav:"pos"`
	}
	err := attributevalue.UnmarshalMapWithOptions(item, &raw, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return link{}, fmt.Errorf("decode link: %w", err)
	}
	pos, _ := raw.Pos.Int64()
	return link{key: normalize(raw.Key), pos: pos}, nil
}

func sortLinks(links []link) []interface{} {
	sort.SliceStable(links, func(i, j int) bool { return links[i].pos < links[j].pos })
	out := make([]interface{}, len(links))
	for i, l := range links {
		out[i] = l.key
	}
	return out
}

// next increments a named sequence in the link table and returns the new
// value. Sequences advance outside transactions; rolled back values are lost.
func next(ctx context.Context, client Client, table, name string) (int64, error) {
	out, err := client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "seq#" + name},
			"sk": &types.AttributeValueMemberS{Value: "seq"},
		},
		UpdateExpression:          aws.String("ADD #n :one"),
		ExpressionAttributeNames:  map[string]string{"#n": "n"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": &types.AttributeValueMemberN{Value: "1"}},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("dynamodb sequence %s: %w", name, err)
	}
	n, ok := out.Attributes["n"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamodb sequence %s: no value returned", name)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}
