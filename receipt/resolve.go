package receipt

import "fmt"

// firstDecryptable tries each key in order and returns the first one that opens payload along
// with the plaintext. A key that errors or panics counts as not working. attempts is the number
// of keys tried.
func firstDecryptable(keys [][]byte, payload []byte, d Decryptor) (key, plaintext []byte, attempts int) {
	for _, k := range keys {
		attempts++
		pt, err := tryDecrypt(d, k, payload)
		if err == nil {
			return k, pt, attempts
		}
	}
	return nil, nil, attempts
}

func tryDecrypt(d Decryptor, key, payload []byte) (pt []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			pt = nil
			err = fmt.Errorf("receipt: decryptor panicked: %v", r)
		}
	}()
	return d.Decrypt(key, payload)
}
