// Package orders keeps the authoritative state of CCU production and
// storage orders.
//
// The manager consumes ccu/order/active and ccu/order/completed through its
// dispatch table. Completed orders always carry status COMPLETED and their
// last step is forced to COMPLETED, whatever the payload reported.
package orders
