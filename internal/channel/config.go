package channel

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "workflow-notifications/internal/common/errors"
	"workflow-notifications/internal/models"

	"github.com/xeipuuv/gojsonschema"
)

// Schemas for the JSON config column, keyed by channel type. Unknown types accept any object.
var configSchemas = map[string]string{
	models.ChannelEmail: `{
		"type": "object",
		"properties": {
			"fromAddress": {"type": "string", "format": "email"},
			"fromName":    {"type": "string"},
			"replyTo":     {"type": "string", "format": "email"}
		},
		"additionalProperties": false
	}`,
	models.ChannelSMS: `{
		"type": "object",
		"properties": {
			"senderId": {"type": "string", "maxLength": 11},
			"smsType":  {"type": "string", "enum": ["Transactional", "Promotional"]}
		},
		"additionalProperties": false
	}`,
	models.ChannelPush: `{
		"type": "object",
		"properties": {
			"platformApplicationArn": {"type": "string", "pattern": "^arn:aws"}
		},
		"additionalProperties": false
	}`,
	models.ChannelInApp: `{
		"type": "object",
		"properties": {
			"channelPrefix": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	models.ChannelWebhook: `{
		"type": "object",
		"properties": {
			"url":       {"type": "string", "format": "uri"},
			"method":    {"type": "string", "enum": ["POST", "PUT"]},
			"headers":   {"type": "object", "additionalProperties": {"type": "string"}},
			"secret":    {"type": "string"},
			"timeoutMs": {"type": "integer", "minimum": 100, "maximum": 60000}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = func() map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(configSchemas))
	for channelType, raw := range configSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("channel config schema for %s: %v", channelType, err))
		}
		out[channelType] = schema
	}
	return out
}()

// ParseConfig validates raw against the channel type's schema and decodes it.
// An empty column yields the zero config.
func ParseConfig(channelType string, raw []byte) (models.ChannelConfig, error) {
	var cfg models.ChannelConfig
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return cfg, nil
	}

	if schema, ok := compiledSchemas[models.CanonicalChannel(channelType)]; ok {
		result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return cfg, apperrors.NewChannelConfigInvalidError(channelType, err.Error())
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return cfg, apperrors.NewChannelConfigInvalidError(channelType, strings.Join(msgs, "; "))
		}
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, apperrors.NewChannelConfigInvalidError(channelType, err.Error())
	}
	return cfg, nil
}
