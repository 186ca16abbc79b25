// Package config loads SQS client configuration from YAML files.
//
// Example:
//
//	region: eu-west-1
//	inputQueue: orders
//	transport:
//	  leaseDuration: 2m
//	  receiveWaitTime: 20s
//	  failureBackoff:
//	    initial: 10s
//	    max: 5m
//	reliability:
//	  sendRetries: 3
//	  retryBackoff:
//	    initial: 100ms
//	    max: 2s
//	  breakerThreshold: 10
//	  breakerTimeout: 1m
//	validation:
//	  strict: false
//	  schemas:
//	    OrderPlaced:
//	      required: [orderId]
//	      properties:
//	        orderId:
//	          type: string
//	          format: uuid
//	metrics:
//	  enabled: true
//	  address: ":9090"
package config
