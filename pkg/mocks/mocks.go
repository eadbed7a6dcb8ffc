// Package mocks provides testify mock implementations of the dynaitem store contract.
//
// Use MockDynamoDBClient to assert on the exact requests a Session issues without a live table:
//
//	func TestSaveSendsCondition(t *testing.T) {
//	    client := new(mocks.MockDynamoDBClient)
//	    client.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
//	        return aws.ToString(in.ConditionExpression) == "attribute_exists(#n3)"
//	    }), mock.Anything).Return(&dynamodb.UpdateItemOutput{}, nil)
//
//	    sess, _ := dynaitem.New(schema.New("people", "pk", "sk"), dynaitem.WithClient(client))
//	    ...
//	    client.AssertExpectations(t)
//	}
//
// # Tips
//
// 1. Use mock.Anything for the context and the variadic options argument
// 2. Use mock.MatchedBy to inspect expressions and placeholder maps
// 3. Always assert expectations were met with AssertExpectations
// 4. Return a nil output together with an error to simulate store failures
//
// For behavioural tests that need real reads after writes, use pkg/dynamotest instead.
package mocks

// Client is an alias for MockDynamoDBClient to allow shorter declarations
type Client = MockDynamoDBClient
