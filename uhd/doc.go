// Package uhd streams complex samples between host buffers and a
// software-defined radio reached through a driver.Driver.
//
// A Device is opened on a driver and hands out ReceiveStreamer and
// TransmitStreamer values for one sample type and a fixed set of channels:
//
//	dev, err := uhd.Open(drv, "type=sim")
//	rx, err := uhd.NewReceiveStreamer[complex64](dev, uhd.StreamArgs{Channels: []int{0}})
//	err = rx.SendCommand(uhd.StartContinuous())
//	buf := make([]complex64, 1024)
//	md, err := rx.ReceiveSimple(buf)
//
// Buffers are passed to the driver without copying and are not retained
// after a call returns. Passing the wrong number of buffers, or buffers of
// unequal length, is a programming error and panics.
//
// Driver failures are returned as *Error and match the ErrIO, ErrValue, ...
// sentinels with errors.Is. Receive anomalies such as overflows are returned
// as *StreamError together with the metadata of the call. A receive timeout
// is not an error: it shows up as RxErrorTimeout in the metadata.
package uhd
