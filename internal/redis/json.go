package redis

import "github.com/bytedance/sonic"

func marshalJSON(value interface{}) ([]byte, error) {
	return sonic.Marshal(value)
}

func unmarshalJSON(data []byte, dest interface{}) error {
	return sonic.Unmarshal(data, dest)
}
