package dynaitem

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Change pairs the before and after images of one stream record. Old is nil for inserts and New
// is nil for removes. Both are facades and never load from the store.
type Change struct {
	EventName string
	Old       *Item
	New       *Item
}

// Change builds a change from raw images. A nil or empty image yields a nil item.
func (s *Session) Change(oldImage, newImage map[string]types.AttributeValue) (*Change, error) {
	c := &Change{}
	var err error
	if len(oldImage) > 0 {
		if c.Old, err = s.Facade(oldImage); err != nil {
			return nil, fmt.Errorf("old image: %w", err)
		}
	}
	if len(newImage) > 0 {
		if c.New, err = s.Facade(newImage); err != nil {
			return nil, fmt.Errorf("new image: %w", err)
		}
	}
	return c, nil
}

// ChangeFromRecord converts a Lambda DynamoDB stream record
func (s *Session) ChangeFromRecord(record events.DynamoDBEventRecord) (*Change, error) {
	oldImage, err := StreamImage(record.Change.OldImage)
	if err != nil {
		return nil, err
	}
	newImage, err := StreamImage(record.Change.NewImage)
	if err != nil {
		return nil, err
	}
	c, err := s.Change(oldImage, newImage)
	if err != nil {
		return nil, err
	}
	c.EventName = record.EventName
	return c, nil
}

// StreamImage converts a Lambda stream image into SDK attribute values
func StreamImage(image map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	if len(image) == 0 {
		return nil, nil
	}
	out := make(map[string]types.AttributeValue, len(image))
	for name, v := range image {
		av, err := streamValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		out[name] = av
	}
	return out, nil
}

func streamValue(v events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}, nil
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, len(list))
		for i, elem := range list {
			av, err := streamValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = av
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case events.DataTypeMap:
		m := v.Map()
		out := make(map[string]types.AttributeValue, len(m))
		for key, elem := range m {
			av, err := streamValue(elem)
			if err != nil {
				return nil, err
			}
			out[key] = av
		}
		return &types.AttributeValueMemberM{Value: out}, nil
	default:
		return nil, fmt.Errorf("unsupported stream attribute type %d", v.DataType())
	}
}
