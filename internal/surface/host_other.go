//go:build !unix

package surface

func allocHost(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeHost([]byte) error {
	return nil
}
