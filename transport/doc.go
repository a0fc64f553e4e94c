// Package transport moves TCP packages over a byte stream.
//
// A Conn wraps a reader and a writer, usually both ends of one net.Conn.
// Each package is encoded with the messages package, prefixed by its length
// (see the framing package) and written in a single call. Sends from several
// goroutines are serialized; receives are meant for one reader goroutine.
//
//	conn, err := transport.Dial(ctx, "127.0.0.1:1113")
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	if err := conn.SendPackage(ctx, messages.NewPing(uuid.New())); err != nil {
//	    return err
//	}
//	pkg, err := conn.ReceivePackage()
package transport
