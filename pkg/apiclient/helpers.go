package apiclient

import "fmt"

// Generic helpers wrapping Client.get/post/put/delete with type-safe
// request/response handling. They are unexported (package-internal).

// getResource performs a GET request to the given path and decodes the
// response body into a value of type T.
func getResource[T any](c *Client, path string) (*T, error) {
	var result T
	if err := c.get(path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// listResources performs a GET request to the given path and decodes the
// response body into a slice of type T.
func listResources[T any](c *Client, path string) ([]T, error) {
	var results []T
	if err := c.get(path, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// createResource performs a POST request to the given path with the
// provided body and decodes the response into a value of type T.
func createResource[T any](c *Client, path string, body any) (*T, error) {
	var result T
	if err := c.post(path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// updateResource performs a PUT request to the given path with the
// provided body and decodes the response into a value of type T.
func updateResource[T any](c *Client, path string, body any) (*T, error) {
	var result T
	if err := c.put(path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// resourcePath builds a resource path by formatting a path template with
// the given arguments using fmt.Sprintf.
func resourcePath(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
