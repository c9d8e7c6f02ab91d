package client

// DropConnection closes the current connection as if the network failed.
func (c *Client) DropConnection() {
	if conn, err := c.current(); err == nil {
		_ = conn.ws.Close()
	}
}
