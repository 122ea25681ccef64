// Package semwire is a reliable, ordered, message-oriented transport over UDP.
//
// A publisher appends messages to a log of three rotating term buffers; a sender
// packs the log's frames into datagrams, and receivers rebuild the same log as an
// image, ask for lost ranges with Naks and open the sender's window with Status
// Messages. Subscribers poll images and see every message exactly once, in order.
//
// # Layout
//
//	protocol     wire frames: Data, Pad, Setup, Status Message, Nak
//	logbuffer    term buffers, appenders, readers, rebuild and gap scanning
//	publication  the send side: offer, sender duty, retransmits, publisher limit
//	image        the receive side: rebuild, loss detection, status messages, polling
//	flowcontrol  unicast, min/max multicast and simulated spy strategies
//	retransmit   Nak to retransmit scheduling with delay and linger
//	liveness     the lifecycle state machine shared by publications and images
//	media        channel URIs and UDP or in-memory transports
//	driver       conductor, sender and receiver agents and the Driver facade
//	capture      pcap recording and decoding of semwire traffic
//
// Infrastructure follows the same conventions throughout: classified errors from
// errors, Prometheus metrics through metric, health reporting through health,
// configuration through config, and agent error reporting through errsink.
//
// # Quick start
//
//	d, err := driver.New(driver.Context{Config: config.DefaultDriver()})
//	if err != nil {
//		return err
//	}
//	if err := d.Start(ctx); err != nil {
//		return err
//	}
//	defer d.Close()
//
//	sub, _ := d.AddSubscription(ctx, "udp://127.0.0.1:40123", 10)
//	pub, _ := d.AddPublication(ctx, "udp://127.0.0.1:40123", 10)
//	_, err = pub.OfferContext(ctx, []byte("hello"))
//	sub.Poll(func(payload []byte, _ *logbuffer.Header) { fmt.Println(string(payload)) }, 10)
package semwire
