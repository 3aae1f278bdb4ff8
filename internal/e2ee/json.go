package e2ee

import "encoding/json"

func ciphertextsToJSON(m CiphertextMap) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// CiphertextMap is map[string]string; marshaling cannot fail.
		panic(err)
	}
	return b
}

func ciphertextsFromJSON(b []byte) (CiphertextMap, error) {
	var m CiphertextMap
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
