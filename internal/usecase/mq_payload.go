package usecase

import "encoding/json"

// MQPayload 包装 MQ 消息，增加类型与工位标识
type MQPayload struct {
	Type    string      `json:"type"`
	Station string      `json:"station"`
	Data    interface{} `json:"data"`
}

func (p MQPayload) MarshalJSON() ([]byte, error) {
	// 1. Marshal Data to get a map or basic JSON
	dataBytes, err := json.Marshal(p.Data)
	if err != nil {
		return nil, err
	}

	// 2. Try to unmarshal into a map to inject fields
	var dataMap map[string]interface{}
	if err := json.Unmarshal(dataBytes, &dataMap); err == nil {
		// Injection possible
		dataMap["msgType"] = p.Type
		dataMap["station"] = p.Station
	}

	// 3. Create a temporary struct to marshal the final JSON to avoid infinite recursion
	type Alias MQPayload
	// We use a map for the final data if injection succeeded
	if dataMap != nil {
		return json.Marshal(&struct {
			Type    string                 `json:"type"`
			Station string                 `json:"station"`
			Data    map[string]interface{} `json:"data"`
		}{
			Type:    p.Type,
			Station: p.Station,
			Data:    dataMap,
		})
	}

	// Fallback to default
	return json.Marshal(Alias(p))
}
